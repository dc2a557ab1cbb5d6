package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/obinnaokechukwu/xpc"
)

func sendCmd(flags *globalFlags) *cobra.Command {
	var (
		reply      bool
		privileged bool
		timeout    time.Duration
		retries    uint64
	)

	cmd := &cobra.Command{
		Use:   "send <service> [json]",
		Short: "Send a message to a service",
		Long: `Send a JSON value to a launchd service. Without an argument the message
is null. With --reply, wait for the reply and print it.

With --loopback an echo service is started in-process under the same name.`,
		Example: `  xpcctl send com.example.helper '{"op":"ping"}' --reply
  xpcctl --loopback send demo '[1,2,3]' --reply`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := args[0]
			msg, err := parseMessage(args[1:])
			if err != nil {
				return err
			}

			opts, closeRuntime, err := flags.runtimeOptions()
			if err != nil {
				return err
			}
			defer closeRuntime()

			if flags.loopback {
				l, err := xpc.Listen(service, echoHandler, opts...)
				if err != nil {
					return err
				}
				defer l.Close()
			}

			var options xpc.ConnectionOptions
			if privileged {
				options |= xpc.MachServicePrivileged
			}
			conn, err := xpc.CreateMachService(service, options, opts...)
			if err != nil {
				return err
			}
			defer conn.Release()

			conn.SetDelegate(xpc.NopDelegate{})
			if err := conn.Activate(); err != nil {
				return err
			}

			if !reply {
				return conn.SendMessage(msg)
			}

			resp, err := sendWithRetry(cmd.Context(), conn, msg, timeout, retries)
			if err != nil {
				return err
			}
			text, err := xpc.Encode(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&reply, "reply", "r", false, "Wait for and print the reply")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Look the service up among launch daemons")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Reply timeout per attempt")
	cmd.Flags().Uint64Var(&retries, "retries", 3, "Resend after an interruption up to this many times")

	return cmd
}

// sendWithRetry resends msg when the service was interrupted, which happens
// when it restarts. Other failures are final.
func sendWithRetry(ctx context.Context, conn *xpc.Connection, msg xpc.Value, timeout time.Duration, retries uint64) (xpc.Value, error) {
	var resp xpc.Value
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := conn.SendMessageWithReplyContext(attemptCtx, msg)
		if err != nil {
			if errors.Is(err, xpc.ErrConnectionInterrupted) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		xpc.Logger().Info("retrying", zap.Error(err), zap.Duration("wait", wait))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func parseMessage(args []string) (xpc.Value, error) {
	if len(args) == 0 {
		return xpc.Null{}, nil
	}
	if !json.Valid([]byte(args[0])) {
		return nil, fmt.Errorf("message is not valid JSON: %s", args[0])
	}
	return xpc.Decode(args[0])
}
