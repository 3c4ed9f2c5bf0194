package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"forgeyard/internal/authn"
	"forgeyard/internal/config"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Administer accounts in the private passwd/shadow pair",
}

var (
	userAddUID   int
	userAddGID   int
	userAddHome  string
	userAddShell string
)

var userAddCmd = &cobra.Command{
	Use:   "add <username> <password>",
	Short: "Create a new account",
	Args:  cobra.ExactArgs(2),
	RunE:  runUserAdd,
}

var userRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserRemove,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List administered accounts",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

func init() {
	userAddCmd.Flags().IntVar(&userAddUID, "uid", 0, "numeric user id (0 auto-assigns the next free id)")
	userAddCmd.Flags().IntVar(&userAddGID, "gid", 0, "numeric group id (defaults to uid)")
	userAddCmd.Flags().StringVar(&userAddHome, "home", "", "home directory (default: /home/<username>)")
	userAddCmd.Flags().StringVar(&userAddShell, "shell", "/bin/sh", "login shell")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userRemoveCmd)
	userCmd.AddCommand(userListCmd)
}

func newAuthenticator() (*authn.Authenticator, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	return authn.New(cfg.PasswdPath, cfg.ShadowPath), nil
}

// firstAllocatableUID is the lowest id auto-assigned when --uid is left
// at its zero-value default, matching the conventional start of the
// unprivileged uid range.
const firstAllocatableUID = 1000

func runUserAdd(cmd *cobra.Command, args []string) error {
	a, err := newAuthenticator()
	if err != nil {
		return err
	}
	username, password := args[0], args[1]
	home := userAddHome
	if home == "" {
		home = "/home/" + username
	}

	uid := userAddUID
	if uid == 0 {
		uid, err = nextFreeUID(a)
		if err != nil {
			return fmt.Errorf("user add: %w", err)
		}
	}
	gid := userAddGID
	if gid == 0 {
		gid = uid
	}

	if err := a.Add(context.Background(), username, password, uid, gid, home, userAddShell); err != nil {
		return fmt.Errorf("user add: %w", err)
	}
	fmt.Printf("created user %s (uid=%d gid=%d)\n", username, uid, gid)
	return nil
}

// nextFreeUID returns the lowest unused uid at or above firstAllocatableUID.
func nextFreeUID(a *authn.Authenticator) (int, error) {
	users, err := a.List(context.Background())
	if err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(users))
	for _, u := range users {
		taken[u.UID] = true
	}
	for uid := firstAllocatableUID; ; uid++ {
		if !taken[uid] {
			return uid, nil
		}
	}
}

func runUserRemove(cmd *cobra.Command, args []string) error {
	a, err := newAuthenticator()
	if err != nil {
		return err
	}
	if err := a.Remove(context.Background(), args[0]); err != nil {
		return fmt.Errorf("user remove: %w", err)
	}
	fmt.Printf("removed user %s\n", args[0])
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	a, err := newAuthenticator()
	if err != nil {
		return err
	}
	users, err := a.List(context.Background())
	if err != nil {
		return fmt.Errorf("user list: %w", err)
	}
	for _, u := range users {
		fmt.Printf("%s\tuid=%d\tgid=%d\thome=%s\tshell=%s\n", u.Username, u.UID, u.GID, u.Home, u.Shell)
	}
	return nil
}
