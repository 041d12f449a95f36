/*
Package cli provides helpers shared by the costguard command.

Output Formatting:

Commands print results as aligned text, JSON, or CSV. Results that
implement Tabular render as rows in the text and CSV formats:

	format, err := cli.ParseFormat(flagValue)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(os.Stdout, table)

Errors:

ConfigError and CommandError wrap failures with the file or command they
came from. ExitCode maps an error to the process exit status.

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	ctx := cli.SetupSignalHandler(context.Background())
*/
package cli
