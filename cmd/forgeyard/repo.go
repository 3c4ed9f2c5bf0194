package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"forgeyard/internal/config"
	"forgeyard/internal/registry"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage the repository registry",
}

var repoRegisterIndexAware bool

var repoRegisterCmd = &cobra.Command{
	Use:   "register <name> <url>",
	Short: "Register a repository and clone it in the background",
	Args:  cobra.ExactArgs(2),
	RunE:  runRepoRegister,
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	Args:  cobra.NoArgs,
	RunE:  runRepoList,
}

var repoUnregisterCmd = &cobra.Command{
	Use:   "unregister <name>",
	Short: "Remove a repository from the registry and delete its clone",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoUnregister,
}

func init() {
	repoRegisterCmd.Flags().BoolVar(&repoRegisterIndexAware, "index-aware", false, "build a semantic index after clone, if an indexer command is configured")

	repoCmd.AddCommand(repoRegisterCmd)
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoUnregisterCmd)
}

func newRegistry() (*registry.Registry, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	return registry.Open(registry.Params{
		DatabasePath: cfg.Registry.DatabasePath,
		ReposRoot:    cfg.Workspace.ReposRoot,
		IndexerCmd:   cfg.Registry.IndexerCommand,
	})
}

func runRepoRegister(cmd *cobra.Command, args []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	repo, err := reg.Register(context.Background(), args[0], args[1], repoRegisterIndexAware)
	if err != nil {
		return fmt.Errorf("repo register: %w", err)
	}
	fmt.Printf("registered %s (%s), cloning in background\n", repo.Name, repo.RegistrationStatus)
	return nil
}

func runRepoList(cmd *cobra.Command, args []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	repos, err := reg.ListRepositories(context.Background())
	if err != nil {
		return fmt.Errorf("repo list: %w", err)
	}
	for _, r := range repos {
		fmt.Printf("%s\t%s\tregistration=%s\tindex=%s\n", r.Name, r.URL, r.RegistrationStatus, r.IndexStatus)
	}
	return nil
}

func runRepoUnregister(cmd *cobra.Command, args []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.Unregister(context.Background(), args[0]); err != nil {
		return fmt.Errorf("repo unregister: %w", err)
	}
	fmt.Printf("unregistered %s\n", args[0])
	return nil
}
