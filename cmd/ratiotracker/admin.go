package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/queue"
	"github.com/chihaya/ratiotracker/storage"
	"github.com/chihaya/ratiotracker/swarm"
)

// withBackends opens the configured store and queue, runs fn and shuts both
// down again.
func withBackends(cmd *cobra.Command, fn func(Config, storage.Store, queue.Queue) error) (err error) {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configFilePath)
	if err != nil {
		return err
	}

	s, q, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer func() {
		errs := q.Stop().Wait()
		errs = append(errs, s.Stop().Wait()...)
		if len(errs) != 0 && err == nil {
			err = combineErrors("failed while shutting down", errs)
		}
	}()

	return fn(cfg, s, q)
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete stale peers once and recompute the affected swarms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(cmd, func(cfg Config, s storage.Store, q queue.Queue) error {
				reaper := swarm.NewReaper(cfg.Reaper, s, q, reaperLock(cfg, q))
				result, err := reaper.Sweep(context.Background())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d peers from %d torrents\n", result.Deleted, result.Torrents)
				return nil
			})
		},
	}
}

func torrentCmd() *cobra.Command {
	torrentCmd := &cobra.Command{
		Use:   "torrent",
		Short: "Manage the torrents known to the tracker",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a torrent",
		RunE: func(cmd *cobra.Command, args []string) error {
			infoHash, _ := cmd.Flags().GetString("infohash")
			name, _ := cmd.Flags().GetString("name")
			size, _ := cmd.Flags().GetInt64("size")
			announce, _ := cmd.Flags().GetStringSlice("announce")

			return withBackends(cmd, func(_ Config, s storage.Store, _ queue.Queue) error {
				t, err := s.PutTorrent(context.Background(), storage.Torrent{
					InfoHash:     infoHash,
					Name:         name,
					Size:         size,
					AnnounceURLs: announce,
				})
				if err != nil {
					return err
				}
				log.Info("added torrent", t)
				fmt.Fprintln(cmd.OutOrStdout(), t.ID)
				fmt.Fprintln(cmd.OutOrStdout(), t.MagnetLink())
				return nil
			})
		},
	}
	addCmd.Flags().String("infohash", "", "info hash as 40 hex characters")
	addCmd.Flags().String("name", "", "display name")
	addCmd.Flags().Int64("size", 0, "total size in bytes")
	addCmd.Flags().StringSlice("announce", nil, "announce URLs embedded in the magnet link")

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a torrent and its peers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(cmd, func(_ Config, s storage.Store, _ queue.Queue) error {
				err := s.DeleteTorrent(context.Background(), args[0])
				if errors.Is(err, storage.ErrResourceDoesNotExist) {
					return errors.Errorf("torrent %s does not exist", args[0])
				}
				return err
			})
		},
	}

	torrentCmd.AddCommand(addCmd, rmCmd)
	return torrentCmd
}

func accountCmd() *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the accounts whose statistics the tracker keeps",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create an account and print its id, the user_id of its announces",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")

			return withBackends(cmd, func(_ Config, s storage.Store, _ queue.Queue) error {
				a, err := s.PutAccount(context.Background(), storage.Account{Email: email})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), a.ID)
				return nil
			})
		},
	}
	addCmd.Flags().String("email", "", "email address of the account")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print the transfer statistics of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(cmd, func(_ Config, s storage.Store, _ queue.Queue) error {
				a, err := s.FindAccount(context.Background(), args[0])
				if errors.Is(err, storage.ErrResourceDoesNotExist) {
					return errors.Errorf("account %s does not exist", args[0])
				} else if err != nil {
					return err
				}

				ratio := "n/a"
				if r, ok := a.Ratio(); ok {
					ratio = fmt.Sprintf("%.2f", r)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "email: %s\nuploaded: %d\ndownloaded: %d\nratio: %s\n",
					a.Email, a.Uploaded, a.Downloaded, ratio)
				return nil
			})
		},
	}

	accountCmd.AddCommand(addCmd, showCmd)
	return accountCmd
}
