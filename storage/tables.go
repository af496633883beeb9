package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskhub/domain"
)

const (
	userPartition    = "user"
	sessionPartition = "session"
)

// TableIdentity resolves sessions and user profiles kept in Azure Table
// Storage by the identity provider. Session rows are keyed by the SHA-256 of
// the token so raw tokens never sit in the table.
type TableIdentity struct {
	users    *aztables.Client
	sessions *aztables.Client
}

// NewTableIdentity connects to the users and sessions tables.
func NewTableIdentity(connStr, usersTable, sessionsTable string) (*TableIdentity, error) {
	if connStr == "" || usersTable == "" || sessionsTable == "" {
		return nil, errors.New("missing table storage config")
	}
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableIdentity{users: svc.NewClient(usersTable), sessions: svc.NewClient(sessionsTable)}, nil
}

type userEntity struct {
	aztables.Entity
	Name  string `json:"Name"`
	Email string `json:"Email"`
	Image string `json:"Image"`
}

type sessionEntity struct {
	aztables.Entity
	UserID    string `json:"UserId"`
	ExpiresAt string `json:"ExpiresAt"`
}

func sessionRowKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func decodeUserEntity(data []byte) (domain.User, error) {
	var ent userEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: ent.RowKey, Name: ent.Name, Email: ent.Email, Image: ent.Image}, nil
}

func decodeSessionEntity(data []byte) (domain.Identity, error) {
	var ent sessionEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Identity{}, err
	}
	if ent.UserID == "" {
		return domain.Identity{}, fmt.Errorf("session %s has no user", ent.RowKey)
	}
	exp, err := time.Parse(time.RFC3339Nano, ent.ExpiresAt)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("session %s expiry: %w", ent.RowKey, err)
	}
	return domain.Identity{UserID: ent.UserID, ExpiresAt: exp}, nil
}

func isTableNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && (respErr.StatusCode == http.StatusNotFound || respErr.ErrorCode == string(aztables.ResourceNotFound))
}

func (t *TableIdentity) Resolve(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	resp, err := t.sessions.GetEntity(ctx, sessionPartition, sessionRowKey(token), nil)
	if err != nil {
		if isTableNotFound(err) {
			return domain.Identity{}, domain.ErrUnauthorized
		}
		return domain.Identity{}, fmt.Errorf("resolve session: %w", err)
	}
	return decodeSessionEntity(resp.Value)
}

func (t *TableIdentity) User(ctx context.Context, id string) (domain.User, error) {
	resp, err := t.users.GetEntity(ctx, userPartition, id, nil)
	if err != nil {
		if isTableNotFound(err) {
			return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	return decodeUserEntity(resp.Value)
}

func (t *TableIdentity) UpsertUser(ctx context.Context, u domain.User) error {
	payload, err := sonic.Marshal(userEntity{
		Entity: aztables.Entity{PartitionKey: userPartition, RowKey: u.ID},
		Name:   u.Name,
		Email:  u.Email,
		Image:  u.Image,
	})
	if err != nil {
		return err
	}
	_, err = t.users.UpsertEntity(ctx, payload, nil)
	return err
}

func (t *TableIdentity) CreateSession(ctx context.Context, token, userID string, expiresAt time.Time) error {
	payload, err := sonic.Marshal(sessionEntity{
		Entity:    aztables.Entity{PartitionKey: sessionPartition, RowKey: sessionRowKey(token)},
		UserID:    userID,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	_, err = t.sessions.UpsertEntity(ctx, payload, nil)
	return err
}
