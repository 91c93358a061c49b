package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudlink/internal/cloudapi"
)

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <operations.json>",
		Short: "Submit many API operations as multipart batches",
		Long: `Read a JSON array of operations and submit them as multipart/mixed
batches of at most [batch] max_operations each.

Each operation is an object:
  {"id": "a", "method": "GET", "path": "/b/bucket/o/name",
   "query": {"fields": "name,size"}, "body": {...}}

id is optional; missing ids are generated. Use "-" to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runBatch,
	}
}

// batchInput is one operation as written in the input file.
type batchInput struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
	Body   json.RawMessage   `json:"body"`
}

// batchOutcome is the printed result for one operation.
type batchOutcome struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func runBatch(cmd *cobra.Command, args []string) error {
	ops, err := readBatchFile(args[0])
	if err != nil {
		return err
	}

	return runWithAPI(cmd, func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error {
		cc.Statusf("Submitting %d operations\n", len(ops))

		results, execErr := rt.client.ExecuteBatch(ctx, ops)
		if results != nil {
			if err := printBatchResults(cc, results); err != nil {
				return err
			}
		}

		if execErr != nil {
			return execErr
		}

		if n := len(results.Failures); n > 0 {
			return fmt.Errorf("%d of %d operations failed", n, results.Len())
		}

		return nil
	})
}

func readBatchFile(path string) ([]cloudapi.BatchOperation, error) {
	var (
		data []byte
		err  error
	)

	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}

	if err != nil {
		return nil, fmt.Errorf("reading operations: %w", err)
	}

	return parseBatchInput(data)
}

func parseBatchInput(data []byte) ([]cloudapi.BatchOperation, error) {
	var inputs []batchInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parsing operations: %w", err)
	}

	ops := make([]cloudapi.BatchOperation, 0, len(inputs))

	var errs []error

	for i, in := range inputs {
		if in.Path == "" {
			errs = append(errs, fmt.Errorf("operation %d: path is required", i))
			continue
		}

		op := cloudapi.BatchOperation{
			ID:     in.ID,
			Method: in.Method,
			Path:   in.Path,
		}

		if op.Method == "" {
			op.Method = http.MethodGet
		}

		if len(in.Query) > 0 {
			op.Query = url.Values{}
			for k, v := range in.Query {
				op.Query.Set(k, v)
			}
		}

		if len(in.Body) > 0 && string(in.Body) != "null" {
			op.Body = in.Body
			op.ContentType = "application/json"
		}

		ops = append(ops, op)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return ops, nil
}

func batchOutcomes(results *cloudapi.BatchResultSet) []batchOutcome {
	ids := results.IDs()
	out := make([]batchOutcome, 0, len(ids))

	for _, id := range ids {
		v, err := results.Get(id)
		if err != nil {
			o := batchOutcome{ID: id, Error: err.Error()}

			var opErr *cloudapi.BatchOperationError
			if errors.As(err, &opErr) {
				o.Status = opErr.StatusCode
				o.Error = opErr.Message
			}

			out = append(out, o)

			continue
		}

		o := batchOutcome{ID: id, Status: http.StatusOK}
		if raw, ok := v.(json.RawMessage); ok {
			o.Result = raw
		}

		out = append(out, o)
	}

	return out
}

func printBatchResults(cc *CLIContext, results *cloudapi.BatchResultSet) error {
	outcomes := batchOutcomes(results)

	if cc.Flags.JSON {
		return printJSON(cc.Out, outcomes)
	}

	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		detail := o.Error
		if detail == "" {
			detail = formatSize(int64(len(o.Result)))
		}

		rows = append(rows, []string{o.ID, strconv.Itoa(o.Status), detail})
	}

	printTable(cc.Out, []string{"ID", "STATUS", "DETAIL"}, rows)

	return nil
}
