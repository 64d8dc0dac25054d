package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/x5iu/ariarpc/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon [-- aria2c-arg...]",
	Short: "Run aria2c in the foreground and stop it on interrupt",
	RunE: func(cmd *cobra.Command, args []string) error {
		dc := app.cfg.Daemon
		var argv []string
		if dc.Conf != "" {
			confArgs, err := daemon.ConfigArgs(dc.Conf, "--")
			if err != nil {
				return err
			}
			argv = append(argv, confArgs...)
		}
		argv = append(argv, dc.Args...)
		argv = append(argv, args...)

		opts := []daemon.Option{
			daemon.WithOutput(os.Stdout, os.Stderr),
			daemon.WithLogger(app.logger),
			daemon.WithTerminateGrace(dc.TerminateGrace.Std()),
		}
		if dc.StopWithProcess {
			opts = append(opts, daemon.WithStopWithProcess())
		}
		p := daemon.New(dc.Path, argv, opts...)
		// Interrupts stop aria2c through Terminate, so the process does not
		// share the command's signal context.
		if err := p.Start(context.Background()); err != nil {
			return err
		}

		type exit struct {
			code int
			err  error
		}
		exited := make(chan exit, 1)
		go func() {
			code, err := p.Wait()
			exited <- exit{code, err}
		}()
		select {
		case res := <-exited:
			if res.err != nil {
				return res.err
			}
			if res.code != 0 {
				return fmt.Errorf("aria2c exited with code %d", res.code)
			}
			return nil
		case <-cmd.Context().Done():
			app.logger.Info("stopping aria2c", zap.Int("pid", p.PID()))
			_, err := p.Terminate()
			return err
		}
	},
}
