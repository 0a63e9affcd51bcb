package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/routeduel/routeduel/go/internal/models"
	"github.com/routeduel/routeduel/go/internal/sqlutil"
)

// Repository is the Postgres-backed session record store. Every mutation is
// a narrow conditional update; a statement that affects zero rows means the
// caller lost a race, not that something is broken.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	settingsBytes, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal match settings: %w", err)
	}
	routesBytes, err := json.Marshal(req.Routes)
	if err != nil {
		return nil, fmt.Errorf("marshal route sequence: %w", err)
	}

	err = sqlutil.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
            INSERT INTO sessions (id, join_code, phase, max_slots, filled_slots, settings, routes)
            VALUES ($1, $2, $3, $4, 1, $5, $6)`,
			req.ID, req.JoinCode, models.PhaseWaiting, req.MaxSlots, settingsBytes, routesBytes,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for i := 0; i < req.MaxSlots; i++ {
			var pid *uuid.UUID
			var name *string
			if i == 0 {
				pid, name = &req.HostID, &req.HostName
			}
			if _, err := tx.Exec(ctx, `
                INSERT INTO session_slots (session_id, slot_index, participant_id, display_name)
                VALUES ($1, $2, $3, $4)`,
				req.ID, i, pid, name,
			); err != nil {
				return fmt.Errorf("insert slot %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.GetSession(ctx, req.ID)
}

func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.fetchSession(ctx, `SELECT id, join_code, phase, max_slots, filled_slots, settings,
        routes, round_pointer, started_at, ends_at, created_at, updated_at
        FROM sessions WHERE id = $1`, id)
}

// GetWaitingSessionByCode resolves a normalized join code to a session still
// accepting joiners. Codes on sessions past WAITING never match.
func (r *Repository) GetWaitingSessionByCode(ctx context.Context, code string) (*models.Session, error) {
	return r.fetchSession(ctx, `SELECT id, join_code, phase, max_slots, filled_slots, settings,
        routes, round_pointer, started_at, ends_at, created_at, updated_at
        FROM sessions WHERE join_code = $1 AND phase = $2
        ORDER BY created_at DESC LIMIT 1`, code, models.PhaseWaiting)
}

// ClaimSlot atomically seats a participant in one specific open slot. The
// WHERE clause carries the whole precondition, so two simultaneous joiners
// racing for the same slot resolve to exactly one winner; the loser gets
// ErrRaceLost and retries against the next open slot.
func (r *Repository) ClaimSlot(ctx context.Context, sessionID uuid.UUID, slotIndex int, participantID uuid.UUID, displayName string) error {
	return sqlutil.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
            UPDATE session_slots SET participant_id = $3, display_name = $4, ready = FALSE
            WHERE session_id = $1 AND slot_index = $2 AND participant_id IS NULL
              AND EXISTS (
                  SELECT 1 FROM sessions
                  WHERE id = $1 AND phase = $5 AND filled_slots < max_slots
              )`,
			sessionID, slotIndex, participantID, displayName, models.PhaseWaiting,
		)
		if err != nil {
			return fmt.Errorf("claim slot %d: %w", slotIndex, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrRaceLost
		}

		if _, err := tx.Exec(ctx, `
            UPDATE sessions SET filled_slots = filled_slots + 1, updated_at = now()
            WHERE id = $1`, sessionID,
		); err != nil {
			return fmt.Errorf("increment filled slots: %w", err)
		}
		return nil
	})
}

// ReleaseSlot clears a non-host participant's seat. Only meaningful while
// WAITING; a slot vacated mid-match stays bound to its departed occupant so
// the frozen score survives.
func (r *Repository) ReleaseSlot(ctx context.Context, sessionID, participantID uuid.UUID) error {
	return sqlutil.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
            UPDATE session_slots SET participant_id = NULL, display_name = NULL, ready = FALSE
            WHERE session_id = $1 AND participant_id = $2
              AND EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND phase = $3)`,
			sessionID, participantID, models.PhaseWaiting,
		)
		if err != nil {
			return fmt.Errorf("release slot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrRaceLost
		}

		if _, err := tx.Exec(ctx, `
            UPDATE sessions SET filled_slots = filled_slots - 1, updated_at = now()
            WHERE id = $1`, sessionID,
		); err != nil {
			return fmt.Errorf("decrement filled slots: %w", err)
		}
		return nil
	})
}

func (r *Repository) SetReady(ctx context.Context, sessionID, participantID uuid.UUID, ready bool) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE session_slots SET ready = $3
        WHERE session_id = $1 AND participant_id = $2`,
		sessionID, participantID, ready,
	)
	if err != nil {
		return fmt.Errorf("set ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPhase advances the session phase conditionally on the expected prior
// phase. Zero rows affected means another client got there first.
func (r *Repository) SetPhase(ctx context.Context, sessionID uuid.UUID, from, to models.Phase, startedAt, endsAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE sessions SET phase = $3,
            started_at = COALESCE($4, started_at),
            ends_at = COALESCE($5, ends_at),
            updated_at = now()
        WHERE id = $1 AND phase = $2`,
		sessionID, from, to, startedAt, endsAt,
	)
	if err != nil {
		return fmt.Errorf("set phase %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRaceLost
	}
	return nil
}

// AdvanceRound bumps the round pointer conditionally on its expected value,
// so concurrent clients finishing the same round advance it exactly once.
func (r *Repository) AdvanceRound(ctx context.Context, sessionID uuid.UUID, fromPointer int) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE sessions SET round_pointer = $2 + 1, updated_at = now()
        WHERE id = $1 AND round_pointer = $2`,
		sessionID, fromPointer,
	)
	if err != nil {
		return fmt.Errorf("advance round pointer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRaceLost
	}
	return nil
}

// InsertAnswer appends the answer record. The primary key makes a second
// submission for the same (session, participant, round) affect zero rows.
func (r *Repository) InsertAnswer(ctx context.Context, rec models.AnswerRecord) error {
	tag, err := r.pool.Exec(ctx, `
        INSERT INTO answers (session_id, participant_id, round_index, chosen_side, latency_ms, correct, submitted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (session_id, participant_id, round_index) DO NOTHING`,
		rec.SessionID, rec.ParticipantID, rec.RoundIndex, rec.ChosenSide, rec.LatencyMs, rec.Correct, rec.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateAnswer
	}
	return nil
}

// ApplyScore marks the answer row scored and increments the owning slot's
// score, in one transaction. The scored flag on the answer row is the
// idempotency gate: a second application for the same round affects zero
// rows and the increment never runs, so each round contributes at most one
// delta per slot no matter how often a client retries.
func (r *Repository) ApplyScore(ctx context.Context, sessionID, participantID uuid.UUID, roundIndex, slotIndex int, delta float64) error {
	return sqlutil.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
            UPDATE answers SET scored = TRUE
            WHERE session_id = $1 AND participant_id = $2 AND round_index = $3 AND scored = FALSE`,
			sessionID, participantID, roundIndex,
		)
		if err != nil {
			return fmt.Errorf("mark answer scored: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateAnswer
		}

		if _, err := tx.Exec(ctx, `
            UPDATE session_slots SET score = score + $4
            WHERE session_id = $1 AND slot_index = $2 AND participant_id = $3`,
			sessionID, slotIndex, participantID, delta,
		); err != nil {
			return fmt.Errorf("apply score delta: %w", err)
		}
		return nil
	})
}

// GetRoundAnswers returns every answer submitted for one round, ordered by
// slot-independent submission time.
func (r *Repository) GetRoundAnswers(ctx context.Context, sessionID uuid.UUID, roundIndex int) ([]models.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT session_id, participant_id, round_index, chosen_side, latency_ms, correct, scored, submitted_at
        FROM answers WHERE session_id = $1 AND round_index = $2
        ORDER BY submitted_at`, sessionID, roundIndex)
	if err != nil {
		return nil, fmt.Errorf("fetch round answers: %w", err)
	}
	defer rows.Close()

	var answers []models.AnswerRecord
	for rows.Next() {
		var rec models.AnswerRecord
		if err := rows.Scan(&rec.SessionID, &rec.ParticipantID, &rec.RoundIndex, &rec.ChosenSide,
			&rec.LatencyMs, &rec.Correct, &rec.Scored, &rec.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		answers = append(answers, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return answers, nil
}

func (r *Repository) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *Repository) fetchSession(ctx context.Context, query string, args ...any) (*models.Session, error) {
	var (
		s             models.Session
		settingsBytes []byte
		routesBytes   []byte
	)
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&s.ID, &s.JoinCode, &s.Phase, &s.MaxSlots, &s.FilledSlots,
		&settingsBytes, &routesBytes, &s.RoundPointer,
		&s.StartedAt, &s.EndsAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch session: %w: %w", ErrUnreachable, err)
	}

	if err := json.Unmarshal(settingsBytes, &s.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal match settings: %w", err)
	}
	if err := json.Unmarshal(routesBytes, &s.Routes); err != nil {
		return nil, fmt.Errorf("unmarshal route sequence: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
        SELECT participant_id, display_name, ready, score
        FROM session_slots WHERE session_id = $1 ORDER BY slot_index`, s.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var slot models.Slot
		if err := rows.Scan(&slot.ParticipantID, &slot.DisplayName, &slot.Ready, &slot.Score); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		s.Slots = append(s.Slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}

	return &s, nil
}
