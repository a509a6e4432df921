package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shardnet/shardnet/internal/config"
	"github.com/shardnet/shardnet/pkg/client"
)

// addClientCommands registers the commands that talk to a running daemon.
func addClientCommands(root *cobra.Command) {
	var (
		addr   string
		peerID string
	)
	pf := root.PersistentFlags()
	pf.StringVar(&addr, "addr", config.DefaultListen, "daemon HTTP address")
	pf.StringVar(&peerID, "peer", "", "act as this peer id")

	newClient := func() *client.Client {
		c := client.New(addr)
		c.PeerID = peerID
		return c
	}

	var allPeers bool
	peersCmd := &cobra.Command{
		Use:   "peers",
		Short: "List online peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			list := c.ListPeers
			if allPeers {
				list = c.ListAllPeers
			}
			peers, err := list(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PEER ID\tADDRESS\tSTATUS\tLAST SEEN")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\n", p.PeerID, p.IP, p.Port, p.Status, p.LastSeen.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	peersCmd.Flags().BoolVar(&allPeers, "all", false, "include offline peers")

	root.AddCommand(
		peersCmd,
		&cobra.Command{
			Use:   "files",
			Short: "List indexed files",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				files, err := newClient().ListFiles(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSIZE\tCHUNKS\tHOLDERS\tLOCAL\tMODIFIED")
				for _, f := range files {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%t\t%s\n", f.Name, f.Size, f.Chunks, f.Holders, f.Local, f.Modified.Local().Format(time.DateTime))
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "search <query>",
			Short: "Find files by name",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				results, err := newClient().Search(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.PeerID, r.Filename)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "upload <path>",
			Short: "Upload a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				res, err := newClient().Upload(cmd.Context(), filepath.Base(args[0]), f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes in %d chunks\n", res.Filename, res.Size, res.Chunks)
				return nil
			},
		},
		downloadCmd(newClient),
		&cobra.Command{
			Use:   "remove <filename>",
			Short: "Stop holding a file as --peer",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if peerID == "" {
					return fmt.Errorf("--peer is required")
				}
				return newClient().RemoveFile(cmd.Context(), peerID, args[0])
			},
		},
	)
}

func downloadCmd(newClient func() *client.Client) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <filename>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := output
			if dest == "" {
				dest = args[0]
			}
			// write beside the destination and rename so a failed
			// download never leaves a truncated file behind
			tmp, err := os.CreateTemp(filepath.Dir(dest), ".shardnet-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			n, err := newClient().Download(cmd.Context(), args[0], tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			if err := os.Rename(tmp.Name(), dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", dest, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination path (default: the filename)")
	return cmd
}
