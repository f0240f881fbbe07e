package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	fileutil "famshare/internal/file"
	"famshare/internal/upload"
)

const downloadTimeout = 30 * time.Minute

var (
	getServer string
	getToken  string
	getOut    string
)

var getCmd = &cobra.Command{
	Use:   "get <file_id>",
	Short: "Resolve a download URL and optionally fetch the file",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringVar(&getServer, "server", "", "control endpoint base URL (default from config)")
	getCmd.Flags().StringVar(&getToken, "token", "", "bearer token")
	getCmd.Flags().StringVarP(&getOut, "out", "o", "", "download into this file or directory")
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	client := upload.NewClient(firstNonEmpty(getServer, cfg.Client.ServerURL), upload.StaticToken(firstNonEmpty(getToken, cfg.ClientToken())))

	target, err := client.DownloadURL(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	info := target.FileInfo
	log.Info().
		Str("file_id", args[0]).
		Str("filename", info.Filename).
		Str("size", humanize.IBytes(uint64(info.FileSize))).
		Int("expires_in", target.ExpiresIn).
		Msg("download url resolved")

	if getOut == "" {
		fmt.Fprintln(cmd.OutOrStdout(), target.DownloadURL)
		return nil
	}

	dest := getOut
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, filepath.Base(info.Filename))
	}
	n, err := download(cmd.Context(), target.DownloadURL, dest)
	if err != nil {
		return err
	}
	log.Info().Str("path", dest).Str("bytes", humanize.IBytes(uint64(n))).Msg("file downloaded")
	return nil
}

func download(ctx context.Context, url, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return fileutil.CopyAtomic(dest, resp.Body)
}
