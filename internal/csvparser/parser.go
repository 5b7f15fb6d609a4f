// Package csvparser expands a recipient list into send jobs for bulk sends.
package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"MailGateway/internal/models"
)

const DefaultMaxRows = 1000

var ErrNoRecipients = errors.New("csv has no valid recipients")

// Skipped is a data row that did not become a job.
type Skipped struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

type Batch struct {
	Jobs    []models.SendJob
	Skipped []Skipped
}

// ParseSendJobs reads a CSV with an Email column and copies base once per
// valid, distinct recipient. "{{Column}}" in the subject and body is
// replaced with that row's value. At most maxRows data rows are read.
func ParseSendJobs(r io.Reader, base models.SendJob, maxRows int) (Batch, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Batch{}, errors.New("csv is empty")
	}
	if err != nil {
		return Batch{}, fmt.Errorf("read csv header: %w", err)
	}

	columns := make([]string, len(header))
	emailCol := -1
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
		if emailCol < 0 && strings.EqualFold(columns[i], "email") {
			emailCol = i
		}
	}
	if emailCol < 0 {
		return Batch{}, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var batch Batch
	seen := make(map[string]bool)

	for read := 0; read < maxRows; read++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return batch, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)

		if len(record) != len(columns) {
			batch.Skipped = append(batch.Skipped, Skipped{
				Line:   line,
				Reason: fmt.Sprintf("expected %d fields, got %d", len(columns), len(record)),
			})
			continue
		}

		addr, err := mail.ParseAddress(strings.TrimSpace(record[emailCol]))
		if err != nil {
			batch.Skipped = append(batch.Skipped, Skipped{Line: line, Reason: "invalid email address"})
			continue
		}
		key := strings.ToLower(addr.Address)
		if seen[key] {
			batch.Skipped = append(batch.Skipped, Skipped{Line: line, Reason: "duplicate recipient"})
			continue
		}
		seen[key] = true

		values := make(map[string]string, len(columns))
		for i, c := range columns {
			if c != "" && i != emailCol {
				values[c] = strings.TrimSpace(record[i])
			}
		}
		values[columns[emailCol]] = addr.Address

		job := base
		job.To = addr.Address
		job.Subject = render(base.Subject, values)
		job.Body = render(base.Body, values)
		batch.Jobs = append(batch.Jobs, job)
	}

	if len(batch.Jobs) == 0 {
		return batch, ErrNoRecipients
	}
	return batch, nil
}

func render(tmpl string, values map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	pairs := make([]string, 0, 2*len(values))
	for k, v := range values {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
