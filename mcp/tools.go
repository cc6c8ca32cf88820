// Package mcp provides optional MCP (Model Context Protocol) tool adapters for farmsync.
// This package allows farmsync to be driven from MCP-compatible agent frameworks.
//
// This package offers two approaches:
//
//  1. Full MCP Server (server.go)
//     Use NewServer() for a complete MCP server implementation using mcp-go
//     with stdio transport.
//
//  2. Registry Pattern (tools.go)
//     Use RegisterTools() for framework-agnostic integration where you
//     provide your own MCP registry implementation.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/farmsync"
)

// Registry is an interface for MCP tool registration.
// Implement this interface to integrate farmsync with your MCP framework.
type Registry interface {
	Register(tool Tool)
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string
	Description string
	Parameters  Schema
	Handler     Handler
}

// Schema defines the JSON schema for tool parameters.
type Schema map[string]ParameterDef

// ParameterDef defines a single parameter.
type ParameterDef struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Handler is a function that handles tool invocations.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// RegisterTools registers the core farmsync tools with an MCP registry.
// Handlers return the library's own result types for the registry to encode.
func RegisterTools(registry Registry, client *farmsync.Client) {
	registry.Register(Tool{
		Name:        "farmsync_register",
		Description: "Capture a new farmer registration for later sync",
		Parameters: Schema{
			"payload": {
				Type:        "object",
				Description: "Farmer registration document",
				Required:    true,
			},
		},
		Handler: makeRegisterHandler(client),
	})

	registry.Register(Tool{
		Name:        "farmsync_attach",
		Description: "Attach a land parcel or crop to a registration",
		Parameters: Schema{
			"temp_id": {
				Type:        "string",
				Description: "Temp ID of the registration",
				Required:    true,
			},
			"kind": {
				Type:     "string",
				Required: true,
				Enum:     []string{string(farmsync.ChildLandParcel), string(farmsync.ChildCrop)},
			},
			"payload": {
				Type:        "object",
				Description: "Land parcel or crop document",
				Required:    true,
			},
		},
		Handler: makeAttachHandler(client),
	})

	registry.Register(Tool{
		Name:        "farmsync_pending",
		Description: "List registrations waiting to be synced",
		Parameters:  Schema{},
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return client.Pending(ctx)
		},
	})

	registry.Register(Tool{
		Name:        "farmsync_sync",
		Description: "Run one sync cycle against the registration service",
		Parameters:  Schema{},
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return client.Sync(ctx)
		},
	})
}

// registerParams represents the parameters for farmsync_register.
type registerParams struct {
	Payload json.RawMessage `json:"payload"`
}

func makeRegisterHandler(client *farmsync.Client) Handler {
	return func(ctx context.Context, rawParams json.RawMessage) (interface{}, error) {
		var params registerParams
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		if len(params.Payload) == 0 {
			return nil, fmt.Errorf("payload is required")
		}

		return client.Register(ctx, params.Payload)
	}
}

// attachParams represents the parameters for farmsync_attach.
type attachParams struct {
	TempID  string          `json:"temp_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func makeAttachHandler(client *farmsync.Client) Handler {
	return func(ctx context.Context, rawParams json.RawMessage) (interface{}, error) {
		var params attachParams
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		if params.TempID == "" {
			return nil, fmt.Errorf("temp_id is required")
		}

		return client.AttachChild(ctx, params.TempID, farmsync.ChildKind(params.Kind), params.Payload)
	}
}
