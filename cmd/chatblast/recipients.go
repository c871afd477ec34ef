package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/foxzi/chatblast/internal/api"
)

// readRecipientsCSV reads a sheet export. The header row names the columns:
// identifier (or phone) is required, name and message are optional and any
// other column becomes a template variable of that row.
func readRecipientsCSV(r io.Reader) ([]api.RecipientRequest, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("recipients file is empty")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	idCol, nameCol, msgCol := -1, -1, -1
	columns := make([]string, len(header))
	for i, h := range header {
		col := strings.ToLower(strings.TrimSpace(h))
		columns[i] = col
		switch col {
		case "identifier", "phone":
			if idCol < 0 {
				idCol = i
			}
		case "name":
			nameCol = i
		case "message":
			msgCol = i
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("header has no identifier or phone column")
	}

	var recipients []api.RecipientRequest
	seen := make(map[string]int)

	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		identifier := strings.TrimSpace(record[idCol])
		if identifier == "" {
			continue
		}
		if first, ok := seen[identifier]; ok {
			return nil, fmt.Errorf("line %d: identifier %s already listed on line %d", line, identifier, first)
		}
		seen[identifier] = line

		rcpt := api.RecipientRequest{Identifier: identifier}
		for i, value := range record {
			value = strings.TrimSpace(value)
			switch i {
			case idCol:
			case nameCol:
				rcpt.Name = value
			case msgCol:
				rcpt.Message = value
			default:
				if columns[i] == "" || value == "" {
					continue
				}
				if rcpt.Variables == nil {
					rcpt.Variables = make(map[string]string)
				}
				rcpt.Variables[columns[i]] = value
			}
		}
		recipients = append(recipients, rcpt)
	}

	if len(recipients) == 0 {
		return nil, fmt.Errorf("recipients file has no rows")
	}
	return recipients, nil
}
