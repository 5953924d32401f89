// Command repo-token manages the encrypted access tokens stored on
// repositories.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/zymantas-katinas/commit-digest/internal/config"
	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/services"
	"github.com/zymantas-katinas/commit-digest/internal/store"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

var (
	configPath string
	repoID     uint
	token      string
)

var rootCmd = &cobra.Command{
	Use:          "repo-token",
	Short:        "Manage encrypted repository access tokens",
	SilenceUsage: true,
}

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Encrypt a token and store it on a repository",
	Long:  "Encrypt a token with the configured credential key and store it on a repository. The token is read from --token, REPO_TOKEN or stdin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		plaintext, err := readToken()
		if err != nil {
			return err
		}

		cfg, st, closeDB, err := openStore()
		if err != nil {
			return err
		}
		defer closeDB()

		cipher, err := services.NewCredentialCipher(cfg.Security.CredentialKey)
		if err != nil {
			return err
		}
		encrypted, err := cipher.Encrypt(plaintext)
		if err != nil {
			return fmt.Errorf("encrypting token: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.UpdateRepositoryToken(ctx, repoID, encrypted); err != nil {
			return fmt.Errorf("updating repository %d: %w", repoID, err)
		}

		fmt.Printf("Stored encrypted token on repository %d\n", repoID)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that a repository token decrypts with the configured key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, closeDB, err := openStore()
		if err != nil {
			return err
		}
		defer closeDB()

		cipher, err := services.NewCredentialCipher(cfg.Security.CredentialKey)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		repo, err := st.GetRepositoryByID(ctx, repoID)
		if err != nil {
			return fmt.Errorf("loading repository %d: %w", repoID, err)
		}
		if repo.EncryptedToken == "" {
			fmt.Printf("Repository %d (%s) has no token\n", repo.ID, repo.Name)
			return nil
		}
		plaintext, err := cipher.Decrypt(repo.EncryptedToken)
		if err != nil {
			return err
		}
		fmt.Printf("Repository %d (%s) token OK (%d characters)\n", repo.ID, repo.Name, len(plaintext))
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Print a random base64 credential key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to config.yaml")

	setCmd.Flags().UintVar(&repoID, "repo-id", 0, "repository id")
	setCmd.Flags().StringVar(&token, "token", "", "plaintext token (prefer REPO_TOKEN or stdin)")
	_ = setCmd.MarkFlagRequired("repo-id")

	checkCmd.Flags().UintVar(&repoID, "repo-id", 0, "repository id")
	_ = checkCmd.MarkFlagRequired("repo-id")

	rootCmd.AddCommand(setCmd, checkCmd, genKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*config.Config, *store.GormStore, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger.Init(cfg.Log.Level)

	db, err := models.InitDB(&cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return cfg, store.New(db), closeDB, nil
}

func readToken() (string, error) {
	if token != "" {
		return token, nil
	}
	if env := os.Getenv("REPO_TOKEN"); env != "" {
		return env, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading token from stdin: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("empty token")
	}
	return line, nil
}
