package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsStore keeps the ledger in one tab of a Google spreadsheet.
type SheetsStore struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
}

// NewSheetsStore creates a SheetsStore over an existing Sheets service.
func NewSheetsStore(svc *sheets.Service, spreadsheetID, sheetName string) *SheetsStore {
	return &SheetsStore{
		svc:           svc,
		spreadsheetID: strings.TrimSpace(spreadsheetID),
		sheetName:     strings.TrimSpace(sheetName),
	}
}

// NewSheetsService builds an authenticated Sheets client.
//
// With tokenFile empty, credentialsFile is a service account or authorized
// user JSON. Otherwise credentialsFile is an OAuth client secret and tokenFile
// holds the previously consented token; refreshed tokens are written back.
func NewSheetsService(ctx context.Context, credentialsFile, tokenFile string) (*sheets.Service, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}

	if strings.TrimSpace(tokenFile) == "" {
		creds, err := google.CredentialsFromJSON(ctx, data, sheets.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("parse google credentials: %w", err)
		}
		return sheets.NewService(ctx, option.WithCredentials(creds))
	}

	cfg, err := google.ConfigFromJSON(data, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse google client secret: %w", err)
	}
	tok, err := readToken(tokenFile)
	if err != nil {
		return nil, err
	}
	src := &persistingTokenSource{
		base: cfg.TokenSource(ctx, tok),
		path: tokenFile,
		last: tok.AccessToken,
	}
	return sheets.NewService(ctx, option.WithTokenSource(oauth2.ReuseTokenSource(tok, src)))
}

// FindRowByDisplayName scans the display name column for an exact match.
func (s *SheetsStore) FindRowByDisplayName(ctx context.Context, displayName string) (RowRef, bool, error) {
	col := ColumnDisplayName.Letter()
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.a1(col+":"+col)).Context(ctx).Do()
	if err != nil {
		return RowRef{}, false, fmt.Errorf("%w: read display names: %v", ErrStoreUnavailable, err)
	}
	for i, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if fmt.Sprint(row[0]) == displayName {
			return RowRef{Row: i + 1}, true, nil
		}
	}
	return RowRef{}, false, nil
}

// UpdateCell writes a single cell.
func (s *SheetsStore) UpdateCell(ctx context.Context, ref RowRef, column Column, value string) error {
	if ref.Row < 1 || column < ColumnName || int(column) > columnCount {
		return fmt.Errorf("invalid ledger cell row=%d column=%d", ref.Row, column)
	}
	cell := fmt.Sprintf("%s%d", column.Letter(), ref.Row)
	body := &sheets.ValueRange{Values: [][]interface{}{{value}}}
	_, err := s.svc.Spreadsheets.Values.Update(s.spreadsheetID, s.a1(cell), body).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("%w: update %s: %v", ErrStoreUnavailable, cell, err)
	}
	log.Debug().Str("cell", cell).Str("value", value).Msg("Ledger cell updated")
	return nil
}

// AppendRow adds a row after the last non-empty row.
func (s *SheetsStore) AppendRow(ctx context.Context, row Row) error {
	values := row.Values()
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	body := &sheets.ValueRange{Values: [][]interface{}{cells}}
	rng := s.a1(ColumnName.Letter() + ":" + ColumnStatus.Letter())
	_, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, rng, body).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("%w: append row for %s: %v", ErrStoreUnavailable, row.DisplayName, err)
	}
	return nil
}

func (s *SheetsStore) a1(ref string) string {
	if s.sheetName == "" {
		return ref
	}
	return "'" + strings.ReplaceAll(s.sheetName, "'", "''") + "'!" + ref
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read google token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse google token: %w", err)
	}
	return &tok, nil
}

// persistingTokenSource writes refreshed tokens back to disk so the next
// start does not need a new consent.
type persistingTokenSource struct {
	base oauth2.TokenSource
	path string
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if data, err := json.Marshal(tok); err == nil {
			if err := os.WriteFile(p.path, data, 0o600); err != nil {
				log.Warn().Err(err).Str("path", p.path).Msg("Failed to persist refreshed google token")
			}
		}
	}
	return tok, nil
}
