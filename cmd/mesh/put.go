package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/interplaynetary/mesh/internal/graph"
	"github.com/interplaynetary/mesh/internal/wire"
)

func putCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <soul> <field> <value>",
		Short: "write one string field to a node, stamped with the current time",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			soul, field, value := graph.Soul(args[0]), args[1], args[2]

			n := graph.NewNode(soul)
			n.Fields[field] = graph.String(value)
			n.Meta.States[field] = graph.State(time.Now().UnixMilli())
			g := graph.Graph{soul: n}

			put, err := wire.EncodeGraph(g)
			if err != nil {
				return err
			}
			msg := wire.Message{ID: newID(), Put: put}
			if err := sendOnly(addr, msg, 5*time.Second); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
	return cmd
}
