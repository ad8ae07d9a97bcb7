package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Prismer-AI/chatsync"
)

var tailMetricsAddr string

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation>",
	Short: "Follow a conversation live",
	Long:  "Open channel:<id> or dm:<id>, subscribe to its push events and print the timeline as it changes until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := chatsync.ParseConversation(args[0])
		if err != nil {
			return err
		}

		var reg *prometheus.Registry
		if tailMetricsAddr != "" {
			reg = prometheus.NewRegistry()
		}
		s, err := loadSession(registererOrNil(reg))
		if err != nil {
			return err
		}
		defer s.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if reg != nil {
			srv := &http.Server{Addr: tailMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Warn("metrics_server_failed", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		out := cmd.OutOrStdout()
		r := newTailRenderer(out)
		s.engine.On(chatsync.TopicTimelineChanged, func(_ chatsync.Topic, p any) {
			if v, ok := p.(chatsync.View); ok {
				r.render(v)
			}
		})
		s.engine.On(chatsync.TopicMessageFailed, func(_ chatsync.Topic, p any) {
			if se, ok := p.(*chatsync.SendError); ok {
				fmt.Fprintf(out, "! send %s failed: %v\n", se.TempID, se.Err)
			}
		})
		s.engine.On(chatsync.TopicHistoryError, func(_ chatsync.Topic, p any) {
			fmt.Fprintf(out, "! history: %v\n", p)
		})
		s.engine.On(chatsync.TopicReceiptsChanged, func(_ chatsync.Topic, p any) {
			if rs, ok := p.([]chatsync.Receipt); ok && len(rs) > 0 {
				names := make([]string, len(rs))
				for i, rc := range rs {
					names[i] = rc.Participant
				}
				fmt.Fprintf(out, "  seen by %s\n", strings.Join(names, ", "))
			}
		})

		if err := s.connect(ctx, conv); err != nil {
			return err
		}
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = s.engine.Open(openCtx, conv)
		cancel()
		if err != nil {
			return err
		}

		<-ctx.Done()
		return nil
	},
}

// registererOrNil avoids handing a typed nil *Registry to NewMetrics.
func registererOrNil(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

// tailRenderer prints timeline entries that are new or changed since the
// last render. Entries are tracked by temporary id when they have one so a
// promotion reprints the same row instead of adding one.
type tailRenderer struct {
	w     io.Writer
	lines map[string]string
}

func newTailRenderer(w io.Writer) *tailRenderer {
	return &tailRenderer{w: w, lines: make(map[string]string)}
}

func (r *tailRenderer) render(v chatsync.View) {
	for _, m := range v.Messages {
		key := m.TempID
		if key == "" {
			key = m.ID
		}
		var b strings.Builder
		printMessage(&b, m)
		line := b.String()
		if r.lines[key] == line {
			continue
		}
		r.lines[key] = line
		fmt.Fprint(r.w, line)
	}
}
