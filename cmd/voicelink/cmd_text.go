package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(textCmd, statusCmd)

	textCmd.Flags().String("type", "normal", "request type: normal or dialog")
	textCmd.Flags().String("play-service-id", "", "target play service (makes the request specific)")
	textCmd.Flags().String("token", "", "text token to attach")
	textCmd.Flags().String("source", "", "text source to attach")
}

// controlURL returns the running daemon's control API base URL.
func controlURL() string {
	return "http://" + loadConfig().Control.Listen
}

var controlClient = &http.Client{Timeout: 45 * time.Second}

func decodeControl(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode control response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

var textCmd = &cobra.Command{
	Use:   "text <utterance>",
	Short: "Send a text request through the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestType, _ := cmd.Flags().GetString("type")
		playServiceID, _ := cmd.Flags().GetString("play-service-id")
		token, _ := cmd.Flags().GetString("token")
		source, _ := cmd.Flags().GetString("source")

		body, err := json.Marshal(map[string]string{
			"text":            args[0],
			"request_type":    requestType,
			"play_service_id": playServiceID,
			"token":           token,
			"source":          source,
		})
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}

		resp, err := controlClient.Post(controlURL()+"/api/text", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("contact daemon: %w", err)
		}
		var result struct {
			DialogRequestID string `json:"dialog_request_id"`
			MessageID       string `json:"message_id"`
			State           string `json:"state"`
			Error           string `json:"error"`
		}
		if err := decodeControl(resp, &result); err != nil {
			return err
		}

		switch result.State {
		case "finished":
			color.New(color.FgGreen).Fprint(os.Stdout, "sent ")
		case "pending":
			color.New(color.FgYellow).Fprint(os.Stdout, "pending ")
		default:
			color.New(color.FgRed).Fprintf(os.Stdout, "%s ", result.State)
		}
		fmt.Fprintf(os.Stdout, "dialog=%s message=%s\n", result.DialogRequestID, result.MessageID)
		if result.Error != "" {
			return fmt.Errorf("text request failed: %s", result.Error)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's connection state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := controlClient.Get(controlURL() + "/api/connection")
		if err != nil {
			return fmt.Errorf("contact daemon: %w", err)
		}
		var status struct {
			State          string `json:"state"`
			Error          string `json:"error"`
			Endpoint       string `json:"endpoint"`
			InFlightEvents int    `json:"in_flight_events"`
		}
		if err := decodeControl(resp, &status); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "State:     %s\n", status.State)
		if status.Endpoint != "" {
			fmt.Fprintf(os.Stdout, "Endpoint:  %s\n", status.Endpoint)
		}
		fmt.Fprintf(os.Stdout, "In flight: %d\n", status.InFlightEvents)
		if status.Error != "" {
			color.New(color.FgRed).Fprintf(os.Stdout, "Error:     %s\n", status.Error)
		}
		return nil
	},
}
