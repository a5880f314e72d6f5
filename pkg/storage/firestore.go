package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/octoflex/octoflex/pkg/log"
	"github.com/octoflex/octoflex/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Each account gets a document under "accounts" with
// sub-collections for config, transitions and sessions.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(account, name string) (*firestore.CollectionRef, error) {
	if account == "" {
		return nil, fmt.Errorf("account cannot be empty")
	}
	return f.client.Collection("accounts").Doc(account).Collection(name), nil
}

// GetSettings retrieves the per-account configuration from the
// "config/settings" document. A missing document yields zero settings so a
// fresh account starts with defaults.
func (f *FirestoreProvider) GetSettings(ctx context.Context, account string) (types.Settings, int, error) {
	coll, err := f.getCollection(account, "config")
	if err != nil {
		return types.Settings{}, 0, err
	}
	doc, err := coll.Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "settings doc missing json", slog.String("account", account))
		return types.Settings{}, 0, fmt.Errorf("settings document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "settings doc json not string", slog.String("account", account))
		return types.Settings{}, 0, fmt.Errorf("settings 'json' field is not a string")
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.String("account", account), slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the per-account configuration to the "config/settings"
// document. It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, account string, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	coll, err := f.getCollection(account, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// InsertTransition adds a charger state change to the "transitions"
// collection as a JSON blob. The document ID is the RFC3339 timestamp for
// efficient range queries.
func (f *FirestoreProvider) InsertTransition(ctx context.Context, account string, tr types.StateTransition) error {
	if tr.Timestamp.IsZero() {
		return fmt.Errorf("transition missing timestamp")
	}
	jsonBytes, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	coll, err := f.getCollection(account, "transitions")
	if err != nil {
		return err
	}
	// Use RFC3339 as document ID for lexicographic ordering and efficient range queries
	docID := tr.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": tr.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// GetTransitions retrieves state changes within the specified time range.
// Uses document ID range queries for efficient filtering without reading all
// documents.
func (f *FirestoreProvider) GetTransitions(ctx context.Context, account string, start, end time.Time) ([]types.StateTransition, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(account, "transitions")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var transitions []types.StateTransition
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating transitions: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "transition doc missing json", slog.String("docID", doc.Ref.ID), slog.String("account", account), slog.Any("err", err))
			return nil, fmt.Errorf("transition document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "transition doc json not string", slog.String("docID", doc.Ref.ID), slog.String("account", account))
			return nil, fmt.Errorf("transition document %s 'json' field is not string", doc.Ref.ID)
		}

		var tr types.StateTransition
		if err := json.Unmarshal([]byte(jsonStr), &tr); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal transition", slog.String("docID", doc.Ref.ID), slog.String("account", account), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal transition (id=%s): %w", doc.Ref.ID, err)
		}
		transitions = append(transitions, tr)
	}
	return transitions, nil
}

// UpsertChargeSession adds or updates a session record in the "sessions"
// collection. The document ID is the RFC3339 timestamp of the session end so
// a re-fetched session overwrites its earlier copy instead of duplicating.
func (f *FirestoreProvider) UpsertChargeSession(ctx context.Context, account string, sess types.ChargeSession) error {
	if sess.TSEnd.IsZero() {
		return fmt.Errorf("charge session missing end timestamp")
	}
	jsonBytes, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal charge session: %w", err)
	}

	coll, err := f.getCollection(account, "sessions")
	if err != nil {
		return err
	}
	docID := sess.TSEnd.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": sess.TSEnd,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert charge session: %w", err)
	}
	return nil
}

// GetChargeSessions retrieves the most recent session records, most recent
// first.
func (f *FirestoreProvider) GetChargeSessions(ctx context.Context, account string, limit int) ([]types.ChargeSession, error) {
	if limit <= 0 {
		limit = types.DefaultSessionHistoryLimit
	}

	coll, err := f.getCollection(account, "sessions")
	if err != nil {
		return nil, err
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var sessions []types.ChargeSession
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating charge sessions: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "session doc missing json", slog.String("docID", doc.Ref.ID), slog.String("account", account), slog.Any("err", err))
			return nil, fmt.Errorf("session document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "session doc json not string", slog.String("docID", doc.Ref.ID), slog.String("account", account))
			return nil, fmt.Errorf("session document %s 'json' field is not string", doc.Ref.ID)
		}

		var s types.ChargeSession
		if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal charge session", slog.String("docID", doc.Ref.ID), slog.String("account", account), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal charge session (id=%s): %w", doc.Ref.ID, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// GetLatestChargeSessionTime retrieves the end timestamp of the last stored
// session record.
func (f *FirestoreProvider) GetLatestChargeSessionTime(ctx context.Context, account string) (time.Time, error) {
	coll, err := f.getCollection(account, "sessions")
	if err != nil {
		return time.Time{}, err
	}
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest session doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid session doc id %s: %w", doc.Ref.ID, err)
	}
	return ts, nil
}
