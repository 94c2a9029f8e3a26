package postgres

import (
	"context"
	"database/sql"
	"errors"

	connectiondomain "ticketbridge/internal/connection/domain"
	ticketdomain "ticketbridge/internal/ticket/domain"
)

const violationColumns = `v.violation_id, v.case_id, v.rule_id, v.severity, v.verdict, v.status, v.explanation,
	v.evidence, v.file_path, v.start_line, v.end_line, v.repo_name, v.ticket_key`

func (q *Queries) FindViolation(ctx context.Context, id string) (*ticketdomain.Violation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+violationColumns+` FROM violations v WHERE v.violation_id = $1`, id)
	v, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find violation", err)
	}
	return v, nil
}

func (q *Queries) ListUnticketedViolations(ctx context.Context, caseID string, provider connectiondomain.Provider) ([]*ticketdomain.Violation, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+violationColumns+` FROM violations v
WHERE v.case_id = $1 AND v.status = $2
	AND NOT EXISTS (
		SELECT 1 FROM ticket_links l WHERE l.source_entity_id = v.violation_id AND l.provider = $3
	)
ORDER BY v.violation_id`, caseID, ticketdomain.ViolationApproved, string(provider))
	if err != nil {
		return nil, wrap("list unticketed violations", err)
	}
	defer rows.Close()
	var out []*ticketdomain.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, wrap("scan violation", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list unticketed violations", err)
	}
	return out, nil
}

func (q *Queries) MarkSourceTicketed(ctx context.Context, sourceEntityID, ticketKey string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE violations SET ticket_key = $2 WHERE violation_id = $1`, sourceEntityID, ticketKey)
	return wrap("mark violation ticketed", err)
}

// InsertViolation adds or replaces a violation. Used by cmd/seed.
func (q *Queries) InsertViolation(ctx context.Context, v *ticketdomain.Violation) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO violations (violation_id, case_id, rule_id, severity, verdict, status, explanation, evidence,
	file_path, start_line, end_line, repo_name, ticket_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (violation_id) DO UPDATE SET
	case_id = EXCLUDED.case_id, rule_id = EXCLUDED.rule_id, severity = EXCLUDED.severity,
	verdict = EXCLUDED.verdict, status = EXCLUDED.status, explanation = EXCLUDED.explanation,
	evidence = EXCLUDED.evidence, file_path = EXCLUDED.file_path, start_line = EXCLUDED.start_line,
	end_line = EXCLUDED.end_line, repo_name = EXCLUDED.repo_name`,
		v.ID, v.CaseID, v.RuleID, v.Severity, v.Verdict, v.Status, v.Explanation, v.Evidence,
		v.FilePath, v.StartLine, v.EndLine, v.RepoName, v.TicketKey)
	return wrap("insert violation", err)
}

func scanViolation(s scanner) (*ticketdomain.Violation, error) {
	var v ticketdomain.Violation
	if err := s.Scan(&v.ID, &v.CaseID, &v.RuleID, &v.Severity, &v.Verdict, &v.Status, &v.Explanation,
		&v.Evidence, &v.FilePath, &v.StartLine, &v.EndLine, &v.RepoName, &v.TicketKey); err != nil {
		return nil, err
	}
	return &v, nil
}
