package cmd

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/oarkflow/vitalsguard/client"
)

var sendFlags struct {
	url          string
	apiKey       string
	secret       string
	deviceID     string
	deviceSecret string
	patientID    string
	heartRate    int
	spo2         int
	temp         float64
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one signed reading to a gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendFlags.patientID == "" {
			return errors.New("--patient is required")
		}
		c, err := client.New(client.Config{
			URL:          sendFlags.url,
			APIKey:       sendFlags.apiKey,
			HMACSecret:   []byte(sendFlags.secret),
			DeviceID:     sendFlags.deviceID,
			DeviceSecret: []byte(sendFlags.deviceSecret),
		})
		if err != nil {
			return err
		}
		resp, err := c.Send(context.Background(), client.Reading{
			PatientID: sendFlags.patientID,
			HeartRate: sendFlags.heartRate,
			SpO2:      sendFlags.spo2,
			Temp:      sendFlags.temp,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Status int `json:"status"`
			*client.Response
		}{resp.Status, resp})
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendFlags.url, "url", "http://localhost:8080/api/v1/vitals", "Ingest URL")
	f.StringVar(&sendFlags.apiKey, "api-key", "", "Tenant API key")
	f.StringVar(&sendFlags.secret, "secret", "", "Tenant HMAC secret")
	f.StringVar(&sendFlags.deviceID, "device-id", "", "Device ID")
	f.StringVar(&sendFlags.deviceSecret, "device-secret", "", "Device secret")
	f.StringVar(&sendFlags.patientID, "patient", "", "Patient ID")
	f.IntVar(&sendFlags.heartRate, "hr", 72, "Heart rate (bpm)")
	f.IntVar(&sendFlags.spo2, "spo2", 98, "SpO2 (%)")
	f.Float64Var(&sendFlags.temp, "temp", 36.8, "Body temperature (°C)")
}
