package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
	"github.com/Samyk000/LinkVault-sub000/internal/store"
)

var signupCmd = &cobra.Command{
	Use:   "signup <email> <password>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()

		user, err := a.sessions.SignUp(cmd.Context(), args[0], args[1])
		if err != nil {
			fatalf("signup failed: %v", err)
		}
		fmt.Printf("signed up as %s\n", user.Email)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Sign in",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()

		user, err := a.sessions.SignIn(cmd.Context(), args[0], args[1])
		if err != nil {
			fatalf("login failed: %v", err)
		}
		fmt.Printf("signed in as %s\n", user.Email)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out everywhere on this machine",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()

		a.sessions.SignOut(cmd.Context())
		fmt.Println("signed out")
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()

		user := recoverUser(cmd.Context(), a)
		fmt.Printf("%s (%s)\n", user.Email, user.ID)
	},
}

var (
	flagAddTitle  string
	flagAddFolder string
	flagAddDesc   string
)

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a bookmark",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		recoverUser(cmd.Context(), a)

		link, err := a.store.Links.Add(cmd.Context(), store.LinkInput{
			URL:         args[0],
			Title:       flagAddTitle,
			Description: flagAddDesc,
			FolderID:    flagAddFolder,
		})
		if err != nil {
			if errors.Is(err, backend.ErrConflict) {
				fatalf("already bookmarked: %s", args[0])
			}
			fatalf("add failed: %v", err)
		}
		fmt.Printf("added %s (%s)\n", link.URL, link.ID)
	},
}

var flagLsDeleted bool

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List bookmarks",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		recoverUser(cmd.Context(), a)

		var links []backend.Link
		if flagLsDeleted {
			links, err = a.store.Links.Deleted(cmd.Context())
		} else {
			links, err = a.store.Links.List(cmd.Context())
		}
		if err != nil {
			fatalf("list failed: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tURL\tTITLE\tADDED")
		for _, link := range links {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", link.ID, link.URL, link.Title, formatTime(link.CreatedAt))
		}
		_ = w.Flush()
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Move a bookmark to trash",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		recoverUser(cmd.Context(), a)

		if err := a.store.Links.Delete(cmd.Context(), args[0]); err != nil {
			fatalf("delete failed: %v", err)
		}
		fmt.Printf("trashed %s (restore with `linkvault restore %s`)\n", args[0], args[0])
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a bookmark from trash",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		recoverUser(cmd.Context(), a)

		link, err := a.store.Links.Restore(cmd.Context(), args[0])
		if err != nil {
			fatalf("restore failed: %v", err)
		}
		fmt.Printf("restored %s\n", link.URL)
	},
}

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage folders",
}

var folderLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List folders",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		recoverUser(cmd.Context(), a)

		folders, err := a.store.Folders.List(cmd.Context())
		if err != nil {
			fatalf("list failed: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME")
		for _, folder := range folders {
			fmt.Fprintf(w, "%s\t%s\n", folder.ID, folder.Name)
		}
		_ = w.Flush()
	},
}

var folderAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		recoverUser(cmd.Context(), a)

		folder, err := a.store.Folders.Add(cmd.Context(), store.FolderInput{Name: args[0]})
		if err != nil {
			fatalf("create failed: %v", err)
		}
		fmt.Printf("created %s (%s)\n", folder.Name, folder.ID)
	},
}

var folderRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a folder, keeping its bookmarks",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		recoverUser(cmd.Context(), a)

		if err := a.store.Folders.Delete(cmd.Context(), args[0]); err != nil {
			fatalf("delete failed: %v", err)
		}
		fmt.Printf("deleted folder %s\n", args[0])
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live changes until interrupted",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		user := recoverUser(cmd.Context(), a)

		bridge := a.realtimeBridge()
		defer bridge.Close()

		unsub := bridge.Subscribe("links", []string{store.LinksTag(user.ID)}, func(ctx context.Context) error {
			links, err := a.store.Links.Reload(ctx)
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("%d bookmarks\n", len(links))
			return nil
		})
		defer unsub()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		fmt.Println("watching for changes, Ctrl-C to stop")
		<-ctx.Done()
	},
}

// recoverUser hydrates the session and exits with guidance when no user
// can be established.
func recoverUser(ctx context.Context, a *app) *backend.User {
	user, err := a.sessions.Recover(ctx)
	if err != nil {
		fatalf("not signed in (%v), run `linkvault login <email> <password>`", err)
	}
	return user
}

func init() {
	addCmd.Flags().StringVar(&flagAddTitle, "title", "", "bookmark title")
	addCmd.Flags().StringVar(&flagAddFolder, "folder", "", "folder ID")
	addCmd.Flags().StringVar(&flagAddDesc, "desc", "", "description")
	lsCmd.Flags().BoolVar(&flagLsDeleted, "deleted", false, "show trashed bookmarks")
	folderCmd.AddCommand(folderLsCmd, folderAddCmd, folderRmCmd)
}
