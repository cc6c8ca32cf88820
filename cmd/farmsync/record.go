package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hyperengineering/farmsync"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Capture a new farmer registration",
	Long: `Store a farmer registration locally under a temporary ID.

The payload is a JSON object. It is read from --payload, from --file, or
from stdin when neither is given. --payload wins over --file.`,
	Example: `  farmsync register --payload '{"nrc_number":"123456/12/1","personal_info":{"first_name":"Mwila"}}'
  farmsync register --file farmer.json --json`,
	Args: cobra.NoArgs,
	RunE: runRegister,
}

var attachCmd = &cobra.Command{
	Use:   "attach <temp-id>",
	Short: "Attach a land parcel or crop to a registration",
	Example: `  farmsync attach 01J9Z8... --kind land_parcel --payload '{"total_area":2.5}'
  farmsync attach 01J9Z8... --kind crop --file crop.json`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

var updateCmd = &cobra.Command{
	Use:   "update <temp-id>",
	Short: "Replace the payload of an unsynced registration",
	Long: `Replace the payload of a pending or failed registration.

A failed registration is queued for submission again.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

var (
	payloadInline string
	payloadFile   string
	attachKind    string
)

func init() {
	for _, c := range []*cobra.Command{registerCmd, attachCmd, updateCmd} {
		c.Flags().StringVarP(&payloadInline, "payload", "p", "", "JSON payload")
		c.Flags().StringVarP(&payloadFile, "file", "f", "", "Read the JSON payload from a file")
	}
	attachCmd.Flags().StringVarP(&attachKind, "kind", "k", "", "Child kind: land_parcel, crop (required)")
	_ = attachCmd.MarkFlagRequired("kind")

	rootCmd.AddCommand(registerCmd, attachCmd, updateCmd)
}

// readPayload returns the JSON payload from --payload, --file or stdin.
func readPayload(cmd *cobra.Command) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case payloadInline != "":
		data = []byte(payloadInline)
	case payloadFile != "":
		data, err = os.ReadFile(payloadFile)
	default:
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(cmd)
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	record, err := client.Register(cmd.Context(), payload)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if !outputJSON {
		printSuccess(cmd.OutOrStdout(), "Registration stored offline")
	}
	return outputRecord(cmd, record)
}

func runAttach(cmd *cobra.Command, args []string) error {
	kind := farmsync.ChildKind(attachKind)
	if !kind.IsValid() {
		return fmt.Errorf("invalid kind %q: must be one of %v", attachKind, farmsync.ValidChildKinds())
	}
	payload, err := readPayload(cmd)
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	child, err := client.AttachChild(cmd.Context(), args[0], kind, payload)
	var fkErr *farmsync.ForeignKeyError
	if errors.As(err, &fkErr) {
		return fmt.Errorf("no registration with temp ID %s", args[0])
	}
	if errors.Is(err, farmsync.ErrInvalidTransition) {
		return fmt.Errorf("registration %s is already synced; children can no longer be attached", args[0])
	}
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, child)
	}
	printSuccess(cmd.OutOrStdout(), "Attached %s %s to %s", child.Kind, child.ID, child.ParentTempID)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(cmd)
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	err = client.UpdatePayload(ctx, args[0], payload)
	if errors.Is(err, farmsync.ErrInvalidTransition) {
		return fmt.Errorf("registration %s is already synced and can no longer be edited", args[0])
	}
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	record, err := client.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if !outputJSON {
		printSuccess(cmd.OutOrStdout(), "Registration updated")
	}
	return outputRecord(cmd, record)
}
