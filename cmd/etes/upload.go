package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/etes/executables"
)

var (
	uploadURL     string
	uploadKey     string
	uploadTrigger string
	uploadContent string
	uploadZstd    bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a built executable to an etes server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := uploadKey
		if key == "" {
			key = os.Getenv("ETES_API_KEY")
		}
		if key == "" {
			return fmt.Errorf("--key or ETES_API_KEY is required")
		}
		for flag, value := range map[string]string{"trigger": uploadTrigger, "content": uploadContent} {
			if !executables.ValidHash(value) {
				return fmt.Errorf("--%s must be a 40 character hex commit hash", flag)
			}
		}

		exe, err := upload(args[0], key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (trigger %s, %d bytes, blake3 %s)\n",
			exe.ContentHash, exe.TriggerHash, exe.Size, exe.Digest)
		return nil
	},
}

func upload(path, key string) (executables.Executable, error) {
	f, err := os.Open(path)
	if err != nil {
		return executables.Executable{}, err
	}
	defer f.Close()

	var body io.Reader = f
	if uploadZstd {
		pr, pw := io.Pipe()
		go func() {
			enc, err := zstd.NewWriter(pw)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(enc, f); err != nil {
				enc.Close()
				pw.CloseWithError(err)
				return
			}
			pw.CloseWithError(enc.Close())
		}()
		body = pr
	}

	url := fmt.Sprintf("%s/api/v1/executable/%s/%s", strings.TrimRight(uploadURL, "/"), uploadTrigger, uploadContent)
	req, err := http.NewRequest(http.MethodPut, url, body)
	if err != nil {
		return executables.Executable{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/octet-stream")
	if uploadZstd {
		req.Header.Set("Content-Encoding", "zstd")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return executables.Executable{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return executables.Executable{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var exe executables.Executable
	if err := json.NewDecoder(resp.Body).Decode(&exe); err != nil {
		return executables.Executable{}, fmt.Errorf("decoding response: %w", err)
	}
	return exe, nil
}

func init() {
	uploadCmd.Flags().StringVar(&uploadURL, "url", "http://127.0.0.1:3000", "Control panel URL")
	uploadCmd.Flags().StringVar(&uploadKey, "key", "", "Upload API key (default $ETES_API_KEY)")
	uploadCmd.Flags().StringVar(&uploadTrigger, "trigger", "", "Commit whose push triggered the build")
	uploadCmd.Flags().StringVar(&uploadContent, "content", "", "Commit the executable was built from")
	uploadCmd.Flags().BoolVar(&uploadZstd, "zstd", false, "Compress the upload with zstd")
	rootCmd.AddCommand(uploadCmd)
}
