package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	endpoint   string
	secureConn bool
	timeout    time.Duration
)

// NewRootCmd builds the chaincli command tree writing to out
func NewRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "chaincli",
		Short:         "Chaincli is a command-line tool for the auditchain service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "localhost:50051", "auditd gRPC endpoint")
	rootCmd.PersistentFlags().BoolVar(&secureConn, "secure", false, "connect with TLS")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "deadline of each call")

	rootCmd.AddCommand(
		hashCmd(),
		verifyCmd(),
		appendCmd(),
		getCmd(),
		searchCmd(),
		logCmd(),
		validateCmd(),
		rootHashCmd(),
		proofCmd(),
	)

	return rootCmd
}

// Execute executes command
func Execute() {
	if err := NewRootCmd(os.Stdout).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
