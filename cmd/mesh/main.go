// Command mesh is a thin client for a running meshd node: it dials a wire
// endpoint over websocket, issues one get or put, and prints the get reply
// (a put is sent without waiting for any reply).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "mesh", Short: "mesh client"}
	rootCmd.PersistentFlags().String("addr", "ws://127.0.0.1:4001", "address of a meshd websocket endpoint")
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(putCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
