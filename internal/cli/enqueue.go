package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"trainer/internal/job"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type EnqueueOptions struct {
	GlobalOptions

	File     string
	NoVerify bool
}

func DefaultEnqueueOptions() *EnqueueOptions {
	return &EnqueueOptions{
		GlobalOptions: DefaultGlobalOptions(),
		File:          "-",
	}
}

func NewCmdEnqueue() *cobra.Command {
	o := DefaultEnqueueOptions()
	cmd := &cobra.Command{
		Use:   "enqueue [-f FILE]",
		Short: "Publish a job request document to the queue.",
		Long: "Reads a job request JSON document from a file or stdin, validates it, " +
			"wraps it in the queue envelope and publishes it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd, args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *EnqueueOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVarP(&o.File, "file", "f", o.File, "Job request document, - for stdin")
	fs.BoolVar(&o.NoVerify, "no-verify", o.NoVerify, "Publish without validating the request")
}

func (o *EnqueueOptions) Run(cmd *cobra.Command, args []string) error {
	doc, err := o.read(cmd.InOrStdin())
	if err != nil {
		return err
	}

	var req job.Request
	if err := json.Unmarshal(doc, &req); err != nil {
		return fmt.Errorf("invalid job request: %w", err)
	}
	if !o.NoVerify {
		checked := req
		job.ApplyDefaults(&checked)
		if err := job.Validate(&checked); err != nil {
			return err
		}
	}

	body, err := job.EncodeEnvelope(&req)
	if err != nil {
		return err
	}

	q, err := o.Queue(cmd.Context())
	if err != nil {
		return err
	}
	defer q.Close()

	id, err := q.Publish(cmd.Context(), body)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued job %s as message %s\n", req.JobID, id)
	return nil
}

func (o *EnqueueOptions) read(stdin io.Reader) ([]byte, error) {
	if o.File == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(o.File)
}
