// Package cli implements the trainctl subcommands.
package cli

import (
	"context"
	"fmt"
	"trainer/internal/queue"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// GlobalOptions are shared by every subcommand.
type GlobalOptions struct {
	QueueURL  string
	QueueName string
}

func DefaultGlobalOptions() GlobalOptions {
	cfg := queue.LoadConfigFromEnv()
	return GlobalOptions{
		QueueURL:  cfg.URL,
		QueueName: cfg.Name,
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.QueueURL, "queue-url", "q", o.QueueURL, "Queue to use (sqlite://<path> or redis://...)")
	fs.StringVar(&o.QueueName, "queue-name", o.QueueName, "Logical queue name or key prefix")
}

func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	if o.QueueURL == "" {
		return fmt.Errorf("--queue-url is required")
	}
	return nil
}

// Queue opens the configured queue. The caller closes it.
func (o *GlobalOptions) Queue(ctx context.Context) (queue.Queue, error) {
	cfg := queue.LoadConfigFromEnv()
	cfg.URL = o.QueueURL
	cfg.Name = o.QueueName
	return queue.Open(ctx, cfg)
}
