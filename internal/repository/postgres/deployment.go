package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
)

const deploymentColumns = `id, workspace_id, owner_id, name, environment, container_id, status, url,
	build_command, start_command, env_vars, build_time, deploy_time, created_at, started_at, finished_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	envVars, err := json.Marshal(deployment.EnvVars)
	if err != nil {
		return err
	}
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err = r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.WorkspaceID,
		deployment.OwnerID,
		deployment.Name,
		deployment.Environment,
		deployment.ContainerID,
		deployment.Status,
		deployment.URL,
		deployment.BuildCommand,
		deployment.StartCommand,
		envVars,
		deployment.BuildTime,
		deployment.DeployTime,
		deployment.CreatedAt,
		deployment.StartedAt,
		deployment.FinishedAt,
	)
	return err
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	deployment, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return deployment, nil
}

// ListDeploymentsByWorkspace fetches recent deployments for a workspace.
func (r *Repository) ListDeploymentsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, rows.Err()
}

// UpdateDeployment persists mutable fields for an in-flight deployment.
func (r *Repository) UpdateDeployment(ctx context.Context, update repository.DeploymentUpdate) error {
	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			container_id = COALESCE($3, container_id),
			url = COALESCE($4, url),
			build_time = COALESCE($5, build_time)
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		emptyToNil(string(update.Status)),
		emptyToNil(update.ContainerID),
		emptyToNil(update.URL),
		update.BuildTime,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FinishDeployment records the terminal transition. The finished_at guard
// makes the first terminal writer win; later calls are no-ops.
func (r *Repository) FinishDeployment(ctx context.Context, id string, status domain.DeploymentStatus, finishedAt time.Time, deployTime *int64) (bool, error) {
	const query = `UPDATE deployments
		SET status = $2, finished_at = $3, deploy_time = $4
		WHERE id = $1 AND finished_at IS NULL`
	cmdTag, err := r.pool.Exec(ctx, query, id, status, finishedAt, deployTime)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() > 0, nil
}

// AppendDeploymentLog appends one line to the deployment's durable log.
func (r *Repository) AppendDeploymentLog(ctx context.Context, deploymentID, message string) error {
	const query = `INSERT INTO deployment_logs (deployment_id, seq, message, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM deployment_logs WHERE deployment_id = $1), $2, NOW())`
	_, err := r.pool.Exec(ctx, query, deploymentID, message)
	return err
}

// ListDeploymentLogs returns the append-only log in order.
func (r *Repository) ListDeploymentLogs(ctx context.Context, deploymentID string) ([]domain.DeploymentLog, error) {
	const query = `SELECT deployment_id, seq, message, created_at FROM deployment_logs
		WHERE deployment_id = $1 ORDER BY seq ASC`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.DeploymentLog
	for rows.Next() {
		var entry domain.DeploymentLog
		if err := rows.Scan(&entry.DeploymentID, &entry.Seq, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d       domain.Deployment
		envVars []byte
	)
	if err := row.Scan(
		&d.ID,
		&d.WorkspaceID,
		&d.OwnerID,
		&d.Name,
		&d.Environment,
		&d.ContainerID,
		&d.Status,
		&d.URL,
		&d.BuildCommand,
		&d.StartCommand,
		&envVars,
		&d.BuildTime,
		&d.DeployTime,
		&d.CreatedAt,
		&d.StartedAt,
		&d.FinishedAt,
	); err != nil {
		return nil, err
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &d.EnvVars); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
