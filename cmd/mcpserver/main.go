// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main is the entry point for the tool-calling surface: an MCP
// server exposing the Submission Frontend and Results View as the 9 tools
// an operating agent uses to drive scans over stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nessusapi/orchestrator/internal/idempotency"
	"github.com/nessusapi/orchestrator/internal/model"
	"github.com/nessusapi/orchestrator/internal/pkg/logger"
	"github.com/nessusapi/orchestrator/internal/queue"
	"github.com/nessusapi/orchestrator/internal/registry"
	"github.com/nessusapi/orchestrator/internal/results"
	"github.com/nessusapi/orchestrator/internal/service"
	"github.com/nessusapi/orchestrator/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "nessus-mcpserver",
	Short: "MCP tool surface for the vulnerability-scan orchestrator",
	Run:   runMCPServer,
}

func init() {
	rootCmd.Flags().String("redis-addr", "127.0.0.1:6379", "Redis address for the Queue and Idempotency Index")
	rootCmd.Flags().String("redis-password", "", "Redis password")
	rootCmd.Flags().Int("redis-db", 0, "Redis logical database index")
	rootCmd.Flags().String("data-dir", "./data", "Directory for task records and result artifacts")
	rootCmd.Flags().String("scanner-registry-file", "./scanners.yaml", "Path to the scanner pool YAML file")

	viper.BindPFlags(rootCmd.Flags())
	viper.SetEnvPrefix("NESSUS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

func runMCPServer(cmd *cobra.Command, args []string) {
	logger.Init(logger.Config{Level: logger.InfoLevel})

	rdb := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis-addr"),
		Password: viper.GetString("redis-password"),
		DB:       viper.GetInt("redis-db"),
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Errorf("failed to reach redis", err)
		os.Exit(1)
	}

	st, err := store.New(viper.GetString("data-dir"))
	if err != nil {
		logger.Errorf("failed to initialize task store", err)
		os.Exit(1)
	}

	reg := registry.New()
	if err := reg.LoadFile(viper.GetString("scanner-registry-file")); err != nil {
		logger.Errorf("failed to load scanner registry", err)
		os.Exit(1)
	}

	svc := service.New(st, queue.New(rdb), idempotency.New(rdb), reg)

	server := mcp.NewServer(&mcp.Implementation{Name: "nessus-orchestrator", Version: "1.0.0"}, nil)
	registerTools(server, svc)

	logger.Info("mcp tool surface ready, serving over stdio")
	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		logger.Errorf("mcp server exited with error", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// credentialsArgs mirrors model.Credentials for the wire-level tool inputs
// that accept scan credentials.
type credentialsArgs struct {
	Kind               string `json:"kind" jsonschema:"credential kind, e.g. ssh"`
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"`
	KeyReference       string `json:"key_reference,omitempty"`
	EscalationMethod   string `json:"escalation_method,omitempty"`
	EscalationAccount  string `json:"escalation_account,omitempty"`
	EscalationPassword string `json:"escalation_password,omitempty"`
}

func (c *credentialsArgs) toModel() *model.Credentials {
	if c == nil || c.Kind == "" {
		return nil
	}
	return &model.Credentials{
		Kind:               c.Kind,
		Username:           c.Username,
		Password:           c.Password,
		KeyReference:       c.KeyReference,
		EscalationMethod:   model.EscalationMethod(c.EscalationMethod),
		EscalationAccount:  c.EscalationAccount,
		EscalationPassword: c.EscalationPassword,
	}
}

type runUntrustedScanArgs struct {
	Targets        string `json:"targets" jsonschema:"comma-separated IP/CIDR/host list"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	SchemaProfile  string `json:"schema_profile,omitempty"`
	ScannerPool    string `json:"scanner_pool,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type runAuthenticatedScanArgs struct {
	Privileged     bool             `json:"privileged,omitempty" jsonschema:"true requests authenticated_privileged instead of authenticated"`
	Targets        string           `json:"targets"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	SchemaProfile  string           `json:"schema_profile,omitempty"`
	ScannerPool    string           `json:"scanner_pool,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Credentials    *credentialsArgs `json:"credentials"`
}

type taskIDArgs struct {
	TaskID string `json:"task_id"`
}

type getScanResultsArgs struct {
	TaskID        string            `json:"task_id"`
	SchemaProfile string            `json:"schema_profile,omitempty"`
	CustomFields  []string          `json:"custom_fields,omitempty"`
	Filters       map[string]string `json:"filters,omitempty"`
	Page          int               `json:"page,omitempty"`
	PageSize      int               `json:"page_size,omitempty"`
}

type listTasksArgs struct {
	Status      string `json:"status,omitempty"`
	ScannerPool string `json:"scanner_pool,omitempty"`
	Target      string `json:"target,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

type listScannersArgs struct {
	Pool string `json:"pool,omitempty"`
}

type poolArgs struct {
	Pool string `json:"pool"`
}

func textResult(v any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%+v", v)}}}
}

func errResult(err error) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}}}, nil, nil
}

// registerTools binds the 9 operations of the tool surface to svc.
func registerTools(server *mcp.Server, svc *service.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_untrusted_scan",
		Description: "Submit an unauthenticated (network-visible-only) vulnerability scan against one or more targets.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args runUntrustedScanArgs) (*mcp.CallToolResult, any, error) {
		resp, err := svc.CreateScan(ctx, service.CreateScanRequest{
			ScanType:       model.ScanTypeUntrusted,
			Targets:        args.Targets,
			Name:           args.Name,
			Description:    args.Description,
			SchemaProfile:  args.SchemaProfile,
			ScannerPool:    args.ScannerPool,
			IdempotencyKey: args.IdempotencyKey,
		})
		if err != nil {
			return errResult(err)
		}
		return textResult(resp), resp, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_authenticated_scan",
		Description: "Submit a credentialed vulnerability scan, optionally with privilege escalation.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args runAuthenticatedScanArgs) (*mcp.CallToolResult, any, error) {
		scanType := model.ScanTypeAuthenticated
		if args.Privileged {
			scanType = model.ScanTypeAuthenticatedPrivilege
		}
		resp, err := svc.CreateScan(ctx, service.CreateScanRequest{
			ScanType:       scanType,
			Targets:        args.Targets,
			Name:           args.Name,
			Description:    args.Description,
			SchemaProfile:  args.SchemaProfile,
			ScannerPool:    args.ScannerPool,
			Credentials:    args.Credentials.toModel(),
			IdempotencyKey: args.IdempotencyKey,
		})
		if err != nil {
			return errResult(err)
		}
		return textResult(resp), resp, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_scan_status",
		Description: "Fetch the current lifecycle status of a scan task, with remediation hints on credential failure.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args taskIDArgs) (*mcp.CallToolResult, any, error) {
		resp, err := svc.GetScanStatus(args.TaskID)
		if err != nil {
			return errResult(err)
		}
		return textResult(resp), resp, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_scan_results",
		Description: "Retrieve a completed scan's findings as newline-delimited JSON, with field projection, filters, and pagination.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getScanResultsArgs) (*mcp.CallToolResult, any, error) {
		freq := results.Request{
			SchemaProfile: results.Profile(args.SchemaProfile),
			CustomFields:  args.CustomFields,
			Page:          args.Page,
			PageSize:      args.PageSize,
		}
		if len(args.Filters) > 0 {
			freq.Filters = make(results.Filters, len(args.Filters))
			for k, v := range args.Filters {
				freq.Filters[k] = v
			}
		}
		lines, err := svc.GetScanResults(args.TaskID, freq)
		if err != nil {
			return errResult(err)
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: strings.Join(lines, "\n")}}}, lines, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List scan tasks, optionally filtered by status, scanner_pool, or target.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listTasksArgs) (*mcp.CallToolResult, any, error) {
		tasks, err := svc.ListTasks(service.ListTasksRequest{
			Status:       model.Status(args.Status),
			Pool:         args.ScannerPool,
			TargetFilter: args.Target,
			Limit:        args.Limit,
		})
		if err != nil {
			return errResult(err)
		}
		return textResult(tasks), tasks, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_scanners",
		Description: "List scanner instances, optionally filtered to one pool.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listScannersArgs) (*mcp.CallToolResult, any, error) {
		scanners, err := svc.ListScanners(args.Pool)
		if err != nil {
			return errResult(err)
		}
		return textResult(scanners), scanners, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_pools",
		Description: "List declared scanner pool names.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		pools := svc.ListPools()
		return textResult(pools), pools, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_pool_status",
		Description: "Get aggregate capacity and utilization for a scanner pool.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args poolArgs) (*mcp.CallToolResult, any, error) {
		status, err := svc.GetPoolStatus(args.Pool)
		if err != nil {
			return errResult(err)
		}
		return textResult(status), status, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_queue_status",
		Description: "Get queue depth, dead-letter depth, and estimated wait for a pool.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args poolArgs) (*mcp.CallToolResult, any, error) {
		status, err := svc.GetQueueStatus(ctx, args.Pool)
		if err != nil {
			return errResult(err)
		}
		return textResult(status), status, nil
	})
}
