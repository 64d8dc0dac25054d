package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/x5iu/ariarpc"
)

var watchStatus bool

type eventLine struct {
	Time   time.Time       `json:"time"`
	Event  string          `json:"event"`
	GID    string          `json:"gid"`
	Status *ariarpc.Status `json:"status,omitempty"`
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print download lifecycle notifications as JSON lines until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !isWebSocket(app.cfg.RPC.URL) {
			return errors.New("watch needs a ws:// or wss:// endpoint")
		}
		t, err := dialTrigger(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			if err := t.Close(); err != nil {
				app.logger.Warn("closing connection", zap.Error(err))
			}
		}()

		var mu sync.Mutex
		enc := json.NewEncoder(cmd.OutOrStdout())
		emit := func(ctx context.Context, tr *ariarpc.Trigger, ev ariarpc.Event) error {
			line := eventLine{Time: time.Now(), Event: ev.Method, GID: ev.GID}
			if watchStatus && ev.GID != "" {
				st, err := ariarpc.NewClient(tr).TellStatus(ctx, ev.GID, "gid", "status", "totalLength", "completedLength", "errorMessage")
				if err != nil {
					return fmt.Errorf("status of %s: %w", ev.GID, err)
				}
				line.Status = &st
			}
			mu.Lock()
			defer mu.Unlock()
			return enc.Encode(line)
		}
		for _, name := range ariarpc.Events {
			t.Register(name, emit)
		}
		app.logger.Info("watching notifications", zap.String("url", t.URL()))

		select {
		case <-cmd.Context().Done():
			return nil
		case <-t.Done():
			return fmt.Errorf("connection to %s lost", t.URL())
		}
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchStatus, "status", false, "fetch the download status for every notification")
}
