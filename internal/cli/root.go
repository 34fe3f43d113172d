package cli

import (
	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "phishguard",
		Short:         "phishguard: URL phishing risk classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("phishguard {{.Version}}\n")

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newVersionCmd(version))

	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("phishguard " + version + "\n"))
			return err
		},
	}
}
