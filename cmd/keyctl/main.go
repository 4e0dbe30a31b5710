// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "keyctl",
		Short: "Encryption service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(currentCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(rotateExpiredCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(metadataCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// apiRequest はAPIへリクエストを送り、ステータスコードとレスポンスボディを返す。
func apiRequest(method, path string, body io.Reader) (int, []byte, error) {
	if apiURL == "" {
		return 0, nil, fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
	}

	req, err := http.NewRequest(method, apiURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}

// printKeyMetadata は鍵メタデータのレスポンスをテキスト形式で表示する。
func printKeyMetadata(body []byte) error {
	var k struct {
		KeyID      string `json:"key_id"`
		KeyType    string `json:"key_type"`
		Generation uint   `json:"generation"`
		Status     string `json:"status"`
		Algorithm  string `json:"algorithm"`
		UsageCount uint64 `json:"usage_count"`
		CreatedAt  string `json:"created_at"`
		ExpiresAt  string `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &k); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Key ID:      %s\n", k.KeyID)
	fmt.Printf("Type:        %s\n", k.KeyType)
	fmt.Printf("Generation:  %d\n", k.Generation)
	fmt.Printf("Status:      %s\n", k.Status)
	fmt.Printf("Algorithm:   %s\n", k.Algorithm)
	fmt.Printf("Usage count: %d\n", k.UsageCount)
	fmt.Printf("Created:     %s\n", k.CreatedAt)
	if k.ExpiresAt != "" {
		fmt.Printf("Expires:     %s\n", k.ExpiresAt)
	}
	return nil
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keyctl version %s\n", version)
		},
	}
}

// createCmd は鍵の生成コマンド。
func createCmd() *cobra.Command {
	var keyType string
	var rotationDays int
	var hsmBacked, escrow bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(struct {
				KeyType              string `json:"key_type,omitempty"`
				RotationIntervalDays int    `json:"rotation_interval_days,omitempty"`
				HSMBacked            bool   `json:"hsm_backed,omitempty"`
				Escrow               bool   `json:"escrow,omitempty"`
			}{keyType, rotationDays, hsmBacked, escrow})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			status, body, err := apiRequest(http.MethodPost, "/v1/keys", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			return printKeyMetadata(body)
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "", "Key type (defaults to ENCRYPTION)")
	cmd.Flags().IntVar(&rotationDays, "rotation-interval-days", 0, "Rotation interval in days (0 uses the server default)")
	cmd.Flags().BoolVar(&hsmBacked, "hsm-backed", false, "Mark the key as HSM backed")
	cmd.Flags().BoolVar(&escrow, "escrow", false, "Mark the key for escrow")
	return cmd
}

// getCmd は鍵メタデータの取得コマンド。
func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key-id>",
		Short: "Get key metadata by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := apiRequest(http.MethodGet, "/v1/keys/"+args[0], nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			return printKeyMetadata(body)
		},
	}
}

// currentCmd は現行ACTIVE鍵の取得コマンド。
func currentCmd() *cobra.Command {
	var keyType string
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Get the current active key",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/keys/current"
			if keyType != "" {
				path += "?type=" + keyType
			}
			status, body, err := apiRequest(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			return printKeyMetadata(body)
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "", "Key type (defaults to ENCRYPTION)")
	return cmd
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	var keyType, keyStatus string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/keys?type=" + keyType
			if keyStatus != "" {
				path += "&status=" + keyStatus
			}
			status, body, err := apiRequest(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				Keys []struct {
					KeyID      string `json:"key_id"`
					Generation uint   `json:"generation"`
					Status     string `json:"status"`
					UsageCount uint64 `json:"usage_count"`
					CreatedAt  string `json:"created_at"`
				} `json:"keys"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			fmt.Printf("%-40s %-12s %-12s %-12s %s\n", "KEY_ID", "GENERATION", "STATUS", "USAGE_COUNT", "CREATED_AT")
			for _, k := range result.Keys {
				fmt.Printf("%-40s %-12d %-12s %-12d %s\n", k.KeyID, k.Generation, k.Status, k.UsageCount, k.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "", "Key type (defaults to ENCRYPTION)")
	cmd.Flags().StringVar(&keyStatus, "status", "", "Filter by status: active, deprecated, revoked")
	return cmd
}

// rotateCmd は鍵のローテーションコマンド。
func rotateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Rotate a key and create a new active generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/keys/%s/rotate", args[0])
			if force {
				path += "?force=true"
			}
			status, body, err := apiRequest(http.MethodPost, path, nil)
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result map[string]interface{}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Rotated key %q (new key: %v, generation: %.0f)\n", args[0], result["key_id"], result["generation"])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Rotate even if the key is not active")
	return cmd
}

// revokeCmd は鍵の失効コマンド。
func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := apiRequest(http.MethodPost, fmt.Sprintf("/v1/keys/%s/revoke", args[0]), nil)
			if err != nil {
				return err
			}
			if status != http.StatusAccepted {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println("{}")
			} else {
				fmt.Printf("Revoked key %q. Data encrypted only under this key can no longer be decrypted.\n", args[0])
			}
			return nil
		},
	}
}

// rotateExpiredCmd は期限切れ鍵の一括ローテーションコマンド。
func rotateExpiredCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-expired",
		Short: "Rotate all active keys past their rotation interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := apiRequest(http.MethodPost, "/v1/keys/rotate-expired", nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				RotatedKeyIDs []string `json:"rotated_key_ids"`
				Count         int      `json:"count"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if result.Count == 0 {
				fmt.Println("No keys were due for rotation.")
				return nil
			}
			fmt.Printf("Rotated %d key(s):\n", result.Count)
			for _, id := range result.RotatedKeyIDs {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	}
}

// readInput は引数または標準入力から入力を読み取る。
func readInput(args []string) ([]byte, error) {
	if len(args) > 0 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}

// encryptCmd はカラム値の暗号化コマンド。
func encryptCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a value into an envelope (reads stdin if no argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := readInput(args)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(struct {
				Plaintext string `json:"plaintext"`
				KeyID     string `json:"key_id,omitempty"`
			}{base64.StdEncoding.EncodeToString(plaintext), keyID})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			status, body, err := apiRequest(http.MethodPost, "/v1/columns/encrypt", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Envelope string `json:"envelope"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Println(result.Envelope)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Encrypt under a specific active key")
	return cmd
}

// decryptCmd はエンベロープの復号コマンド。
func decryptCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "decrypt [envelope]",
		Short: "Decrypt an envelope (reads stdin if no argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envelope, err := readInput(args)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(struct {
				Envelope string `json:"envelope"`
				KeyID    string `json:"key_id,omitempty"`
			}{string(bytes.TrimSpace(envelope)), keyID})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			status, body, err := apiRequest(http.MethodPost, "/v1/columns/decrypt", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Plaintext string `json:"plaintext"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			plaintext, err := base64.StdEncoding.DecodeString(result.Plaintext)
			if err != nil {
				return fmt.Errorf("decoding plaintext: %w", err)
			}
			if _, err := os.Stdout.Write(plaintext); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Hint for the key the envelope was encrypted under")
	return cmd
}

// statusCmd は暗号化ステータスの取得コマンド。
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database encryption status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := apiRequest(http.MethodGet, "/v1/encryption/status", nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Enabled          bool   `json:"enabled"`
				ActiveKeyID      string `json:"active_key_id"`
				ActiveGeneration uint   `json:"active_generation"`
				ActiveKeyAgeDays int    `json:"active_key_age_days"`
				RotationDue      bool   `json:"rotation_due"`
				CachedKeys       int    `json:"cached_keys"`
				KEKProvider      string `json:"kek_provider"`
				BlobBackend      string `json:"blob_backend"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			fmt.Printf("Encryption enabled: %t\n", result.Enabled)
			if result.Enabled {
				fmt.Printf("Active key:         %s (generation %d, %d days old)\n", result.ActiveKeyID, result.ActiveGeneration, result.ActiveKeyAgeDays)
				fmt.Printf("Rotation due:       %t\n", result.RotationDue)
			}
			fmt.Printf("KEK provider:       %s\n", result.KEKProvider)
			fmt.Printf("Blob backend:       %s\n", result.BlobBackend)
			fmt.Printf("Cached keys:        %d\n", result.CachedKeys)
			return nil
		},
	}
}

// metadataCmd は暗号化メタデータの取得コマンド。
func metadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata",
		Short: "Show key inventory metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := apiRequest(http.MethodGet, "/v1/encryption/metadata", nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Algorithm    string           `json:"algorithm"`
				FIPSMode     bool             `json:"fips_mode"`
				TotalKeys    int64            `json:"total_keys"`
				KeysByStatus map[string]int64 `json:"keys_by_status"`
				NextExpiry   string           `json:"next_expiry"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			fmt.Printf("Algorithm:  %s\n", result.Algorithm)
			fmt.Printf("FIPS mode:  %t\n", result.FIPSMode)
			fmt.Printf("Total keys: %d\n", result.TotalKeys)
			for _, s := range []string{"active", "deprecated", "revoked"} {
				if n, ok := result.KeysByStatus[s]; ok {
					fmt.Printf("  %-10s %d\n", s, n)
				}
			}
			if result.NextExpiry != "" {
				fmt.Printf("Next expiry: %s\n", result.NextExpiry)
			}
			return nil
		},
	}
}
