package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pders01/feedkeeper/internal/debuglog"
	"github.com/pders01/feedkeeper/internal/feed"
	"github.com/pders01/feedkeeper/internal/status"
	"github.com/pders01/feedkeeper/internal/storage"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll and expire on a schedule and serve the status endpoint",
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			scheduler := feed.NewScheduler(a.manager, a.cfg)
			scheduler.OnReport = func(r *feed.PollReport) {
				for reason, n := range r.FailuresByReason() {
					debuglog.Warnf("%d channels failed with reason %s", n, reason)
				}
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := scheduler.Run(ctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			if addr := a.cfg.Status.Addr; addr != "" {
				srv := status.New(a.manager, a.searcher)
				g.Go(func() error { return srv.ListenAndServe(ctx, addr) })
			}
			return g.Wait()
		}),
	}
}

func newPollCmd(opts *globalOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle over all users, or one user",
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			var (
				report *feed.PollReport
				err    error
			)
			if userID != "" {
				report, err = a.manager.RefreshUser(cmd.Context(), userID)
			} else {
				report, err = a.manager.PollAll(cmd.Context())
			}
			if err != nil {
				return err
			}
			renderReport(cmd.OutOrStdout(), report)
			return nil
		}),
	}
	cmd.Flags().StringVar(&userID, "user", "", "Only poll this user's channels")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Ignore ETag/Last-Modified and refetch every feed")
	return cmd
}

func newExpireCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Delete items older than each user's retention setting",
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			deleted, err := a.manager.ExpireAll(cmd.Context())
			if err != nil {
				return err
			}
			total := 0
			for _, n := range deleted {
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d items across %d users\n", total, len(deleted))
			return nil
		}),
	}
}

func newUserCmd(opts *globalOptions) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var email string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a user with default settings",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			user, err := a.manager.CreateUser(cmd.Context(), args[0], email)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user %s\n%s\n", user.Name, user.ID)
			return nil
		}),
	}
	add.Flags().StringVar(&email, "email", "", "Contact address")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			all, err := a.manager.Users().List(cmd.Context())
			if err != nil {
				return err
			}
			renderUsers(cmd.OutOrStdout(), all)
			return nil
		}),
	}

	var (
		retentionDays int
		hideRead      bool
	)
	settings := &cobra.Command{
		Use:   "settings <user-id>",
		Short: "Update a user's retention and read filter",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			user, err := a.manager.Users().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			s := user.Settings
			if cmd.Flags().Changed("retention-days") {
				s.RetentionDays = retentionDays
			}
			if cmd.Flags().Changed("hide-read") {
				s.HideRead = hideRead
			}
			if err := a.manager.UpdateSettings(cmd.Context(), user.ID, s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Settings of %s: retention %d days, hide read %t\n", user.Name, s.RetentionDays, s.HideRead)
			return nil
		}),
	}
	settings.Flags().IntVar(&retentionDays, "retention-days", storage.DefaultRetentionDays, "Days to keep items; 0 keeps nothing older than now")
	settings.Flags().BoolVar(&hideRead, "hide-read", false, "Hide read items in listings by default")

	userCmd.AddCommand(add, list, settings)
	return userCmd
}

func newChannelCmd(opts *globalOptions) *cobra.Command {
	channelCmd := &cobra.Command{
		Use:     "channel",
		Aliases: []string{"feed"},
		Short:   "Manage a user's subscriptions",
	}

	var permissive bool
	add := &cobra.Command{
		Use:   "add <user-id> <url>",
		Short: "Subscribe a user to a feed",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			if permissive {
				a.manager.SetPermissiveValidation(true)
			}
			channel, inserted, err := a.manager.AddChannel(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscribed to %s (%d items)\n%s\n", channel.DisplayTitle(), inserted, channel.ID)
			return nil
		}),
	}
	add.Flags().BoolVar(&permissive, "allow-private", false, "Allow feeds on local and private hosts")

	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's channels",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			channels, err := a.manager.ListChannels(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderChannels(cmd.OutOrStdout(), channels)
			return nil
		}),
	}

	del := &cobra.Command{
		Use:     "delete <user-id> <channel-id>",
		Aliases: []string{"rm"},
		Short:   "Unsubscribe and purge the channel's items",
		Args:    cobra.ExactArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			purged, err := a.manager.DeleteChannel(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted channel %s and %d items\n", args[1], purged)
			return nil
		}),
	}

	channelCmd.AddCommand(add, list, del)
	return channelCmd
}

func newItemsCmd(opts *globalOptions) *cobra.Command {
	itemsCmd := &cobra.Command{
		Use:   "items",
		Short: "Read a user's items",
	}

	var (
		channelID string
		unread    bool
		limit     int
	)
	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List items newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			listOpts := feed.ListOptions{ChannelID: channelID, Limit: limit}
			if cmd.Flags().Changed("unread") {
				listOpts.HideRead = &unread
			}
			items, err := a.manager.ListItems(cmd.Context(), args[0], listOpts)
			if err != nil {
				return err
			}
			renderItems(cmd.OutOrStdout(), items)
			return nil
		}),
	}
	list.Flags().StringVar(&channelID, "channel", "", "Only this channel")
	list.Flags().BoolVar(&unread, "unread", false, "Only unread items (default from user settings)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of items; 0 for all")

	var markUnread bool
	read := &cobra.Command{
		Use:   "read <user-id> <item-id>...",
		Short: "Mark items as read",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			if err := a.manager.MarkRead(cmd.Context(), args[0], args[1:], !markUnread); err != nil {
				return err
			}
			state := "read"
			if markUnread {
				state = "unread"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d items %s\n", len(args)-1, state)
			return nil
		}),
	}
	read.Flags().BoolVar(&markUnread, "unread", false, "Mark as unread instead")

	itemsCmd.AddCommand(list, read)
	return itemsCmd
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <user-id> <query>",
		Short: "Search a user's items",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			query := joinArgs(args[1:])
			results, err := a.searcher.Search(cmd.Context(), args[0], query, limit)
			if err != nil {
				return err
			}
			renderResults(cmd.OutOrStdout(), query, results)
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")
	return cmd
}

func newIndexCmd(opts *globalOptions) *cobra.Command {
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the search index",
	}
	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Reindex every stored item",
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			if a.index == nil {
				return errors.New("no search index configured (database.search_index is empty)")
			}
			n, err := a.index.Rebuild(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			docs, _ := a.index.DocCount()
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d items (%d documents)\n", n, docs)
			return nil
		}),
	}
	indexCmd.AddCommand(rebuild)
	return indexCmd
}
