package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type QueueOptions struct {
	GlobalOptions

	Yes bool
}

func DefaultQueueOptions() *QueueOptions {
	return &QueueOptions{
		GlobalOptions: DefaultGlobalOptions(),
	}
}

func NewCmdQueue() *cobra.Command {
	o := DefaultQueueOptions()
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or purge the job queue.",
	}
	o.GlobalOptions.Bind(cmd.PersistentFlags())

	cmd.AddCommand(&cobra.Command{
		Use:          "len",
		Short:        "Print the number of queued and leased messages.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.RunLen(cmd)
		},
	})

	purge := &cobra.Command{
		Use:          "purge",
		Short:        "Remove every message, including leased ones.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(args); err != nil {
				return err
			}
			if !o.Yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			return o.RunPurge(cmd)
		},
	}
	o.BindPurge(purge.Flags())
	cmd.AddCommand(purge)

	return cmd
}

func (o *QueueOptions) BindPurge(fs *pflag.FlagSet) {
	fs.BoolVarP(&o.Yes, "yes", "y", o.Yes, "Confirm the purge")
}

func (o *QueueOptions) RunLen(cmd *cobra.Command) error {
	q, err := o.Queue(cmd.Context())
	if err != nil {
		return err
	}
	defer q.Close()

	n, err := q.Len(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func (o *QueueOptions) RunPurge(cmd *cobra.Command) error {
	q, err := o.Queue(cmd.Context())
	if err != nil {
		return err
	}
	defer q.Close()

	n, err := q.Len(cmd.Context())
	if err != nil {
		return err
	}
	if err := q.Purge(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d messages\n", n)
	return nil
}
