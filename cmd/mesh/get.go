package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/interplaynetary/mesh/internal/graph"
	"github.com/interplaynetary/mesh/internal/wire"
)

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <soul> [field]",
		Short: "fetch a soul, or one field of it, from a node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")

			lex := graph.Lex{Soul: graph.Soul(args[0])}
			if len(args) == 2 {
				lex.Field = graph.ExactField(args[1])
			}
			wireLex, err := wire.EncodeLex(lex)
			if err != nil {
				return err
			}

			msg := wire.Message{ID: newID(), Get: wireLex}
			reply, err := dialAndRoundTrip(addr, msg, 5*time.Second)
			if err != nil {
				return err
			}
			if reply.Err != "" {
				return fmt.Errorf("node returned error: %s", reply.Err)
			}

			g, err := wire.DecodeGraph(reply.Put)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), printGraph(g))
			return nil
		},
	}
	return cmd
}
