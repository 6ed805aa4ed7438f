package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"kharcha/internal/log"
)

// SheetsExporter writes tables into new tabs of one spreadsheet.
type SheetsExporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	logger        *log.Logger
}

// Credentials for the service account. JSON wins over File.
type Credentials struct {
	JSON string
	File string
}

func (c Credentials) load() ([]byte, error) {
	switch {
	case strings.TrimSpace(c.JSON) != "":
		return []byte(c.JSON), nil
	case strings.TrimSpace(c.File) != "":
		data, err := os.ReadFile(c.File)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE)")
	}
}

func NewSheetsExporter(ctx context.Context, spreadsheetID string, creds Credentials, logger *log.Logger) (*SheetsExporter, error) {
	data, err := creds.load()
	if err != nil {
		return nil, err
	}
	return NewSheetsExporterWithOptions(ctx, spreadsheetID, logger,
		goption.WithCredentialsJSON(data),
		goption.WithScopes(gsheet.SpreadsheetsScope))
}

// NewSheetsExporterWithOptions builds the Sheets service from raw client
// options, e.g. a custom endpoint.
func NewSheetsExporterWithOptions(ctx context.Context, spreadsheetID string, logger *log.Logger, opts ...goption.ClientOption) (*SheetsExporter, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	if logger == nil {
		logger = log.Discard()
	}
	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &SheetsExporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		logger:        logger.WithComponent(log.ComponentExport),
	}, nil
}

// Export adds a tab named sheetName and writes t into it starting at A1.
// It returns the written range.
func (e *SheetsExporter) Export(ctx context.Context, sheetName string, t Table) (string, error) {
	add := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			AddSheet: &gsheet.AddSheetRequest{
				Properties: &gsheet.SheetProperties{Title: sheetName},
			},
		}},
	}
	if _, err := e.svc.Spreadsheets.BatchUpdate(e.spreadsheetID, add).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("add sheet %q: %w", sheetName, err)
	}

	values := make([][]any, 0, len(t.Rows)+1)
	values = append(values, row(t.Header))
	for _, r := range t.Rows {
		values = append(values, row(r))
	}

	rng := fmt.Sprintf("'%s'!A1", sheetName)
	_, err := e.svc.Spreadsheets.Values.Update(e.spreadsheetID, rng, &gsheet.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("write %s: %w", rng, err)
	}

	e.logger.InfoContext(ctx, "Exported table to Google Sheets",
		"sheet", sheetName,
		"rows", len(t.Rows))
	return rng, nil
}

func row(cells []string) []any {
	out := make([]any, len(cells))
	for i, c := range cells {
		out[i] = c
	}
	return out
}
