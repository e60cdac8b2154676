package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gituhq/gitu/internal/config"
	"github.com/gituhq/gitu/internal/gateway"
)

var rootCmd = &cobra.Command{
	Use:   "gitu",
	Short: "gitu - cross-platform assistant message gateway",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + HTTP API + cron)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gitu status",
	RunE:  runStatus,
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Issue a one-time pairing token from the running gateway",
	RunE:  runPair,
}

var pairUserFlag string

func init() {
	pairCmd.Flags().StringVarP(&pairUserFlag, "user", "u", "", "Existing user id to link another account to")
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, pairCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to enable channels (telegram token, whatsapp, web)\n", cfgPath)
	fmt.Println("  2. Run 'gitu gateway' to start")
	fmt.Println("  3. Run 'gitu pair' and send /pair <token> from a chat to link it")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Listen: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("WhatsApp: enabled=%v\n", cfg.Channels.WhatsApp.Enabled)
	fmt.Printf("Terminal: enabled=%v\n", cfg.Channels.Terminal.Enabled)
	fmt.Printf("Web: enabled=%v\n", cfg.Channels.Web.Enabled)
	fmt.Printf("Session idle timeout: %s\n", cfg.IdleDuration())
	fmt.Printf("Usage: %d units per %s\n", cfg.Usage.DefaultLimit, cfg.UsageWindow())
	fmt.Printf("Requestable resources: %s\n", requestableResources(cfg))

	return nil
}

func requestableResources(cfg *config.Config) string {
	out := ""
	for resource, policy := range cfg.Dispatch.Policies {
		if policy != config.PolicyRequestable {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += resource
	}
	if out == "" {
		return "(none)"
	}
	return out
}

// runPair asks the running gateway to mint a pairing token. Tokens live in
// gateway memory, so this only works while 'gitu gateway' is up.
func runPair(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	body, _ := json.Marshal(map[string]string{"userId": pairUserFlag})
	url := fmt.Sprintf("http://127.0.0.1:%d/pair", cfg.Gateway.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reach gateway at %s (is 'gitu gateway' running?): %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Printf("Pairing token: %s\n", out.Token)
	fmt.Printf("Send this from the chat you want to link, within %s:\n", cfg.PairingTTL())
	fmt.Printf("  /pair %s\n", out.Token)
	return nil
}
