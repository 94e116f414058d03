package repository

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"triggerpay/db"
	"triggerpay/models"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned when a trigger or its attestation log does not exist
var ErrNotFound = errors.New("not found")

const (
	triggerPrefix     = "trigger/"
	ownerPrefix       = "owner/"
	attLogPrefix      = "attlog/"
	attestationPrefix = "attestation/"
	counterKey        = "meta/trigger_counter"
	attestorKeyKey    = "meta/attestor_key"
)

// It abstracts the storage layer from the trigger lifecycle.
// Every mutating method commits its writes in a single batch.
type TriggerRepositoryInterface interface {
	// TriggerCounter returns the last allocated trigger sequence number
	TriggerCounter() (uint64, error)
	// CreateTrigger stores t, indexes it under its owner, allocates its empty
	// attestation log and records seq as the last allocated counter
	CreateTrigger(t *models.Trigger, seq uint64) error
	GetTrigger(id string) (*models.Trigger, error)
	GetTriggersByOwner(owner string) ([]*models.Trigger, error)
	GetAllTriggers() ([]*models.Trigger, error)
	// AppendAttestation appends a to its trigger's log and, when updated is
	// non-nil, overwrites the trigger record with it in the same batch
	AppendAttestation(a *models.Attestation, updated *models.Trigger) error
	PutTrigger(t *models.Trigger) error
	GetAttestations(triggerID string) ([]*models.Attestation, error)
	CountAttestations(triggerID string) (int, error)
	PutAttestorKey(key []byte) error
	GetAttestorKey() ([]byte, error)
}

// TriggerRepository implements the TriggerRepositoryInterface using LevelDB as the storage backend
type TriggerRepository struct {
	db *db.LevelDB
}

// NewTriggerRepository creates and returns a new TriggerRepository instance
func NewTriggerRepository(db *db.LevelDB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

func triggerKey(id string) []byte {
	return []byte(triggerPrefix + id)
}

func ownerIndexPrefix(owner string) []byte {
	return []byte(ownerPrefix + owner + "\x00")
}

func attLogKey(id string) []byte {
	return []byte(attLogPrefix + id)
}

func attestationsPrefix(id string) []byte {
	return []byte(attestationPrefix + id + "/")
}

func attestationKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%012d", attestationPrefix, id, seq))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("corrupt counter value of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// TriggerCounter reads the last allocated sequence number, zero when none
func (r *TriggerRepository) TriggerCounter() (uint64, error) {
	data, err := r.db.Get([]byte(counterKey))
	if db.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeUint64(data)
}

// CreateTrigger writes the trigger, owner index entry, empty log head and counter atomically
func (r *TriggerRepository) CreateTrigger(t *models.Trigger, seq uint64) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(triggerKey(t.ID), data)
	batch.Put(append(ownerIndexPrefix(t.Owner), t.ID...), nil)
	batch.Put(attLogKey(t.ID), encodeUint64(0))
	batch.Put([]byte(counterKey), encodeUint64(seq))
	return r.db.Write(batch)
}

// GetTrigger retrieves a trigger by its ID
func (r *TriggerRepository) GetTrigger(id string) (*models.Trigger, error) {
	data, err := r.db.Get(triggerKey(id))
	if db.IsNotFound(err) {
		return nil, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var t models.Trigger
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTriggersByOwner returns the owner's triggers in creation order
func (r *TriggerRepository) GetTriggersByOwner(owner string) ([]*models.Trigger, error) {
	prefix := ownerIndexPrefix(owner)
	iter := r.db.NewPrefixIterator(prefix)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	triggers := make([]*models.Trigger, 0, len(ids))
	for _, id := range ids {
		t, err := r.GetTrigger(id)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, nil
}

// GetAllTriggers retrieves every trigger in id order
func (r *TriggerRepository) GetAllTriggers() ([]*models.Trigger, error) {
	iter := r.db.NewPrefixIterator([]byte(triggerPrefix))
	defer iter.Release()

	var triggers []*models.Trigger
	for iter.Next() {
		var t models.Trigger
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, err
		}
		triggers = append(triggers, &t)
	}
	return triggers, iter.Error()
}

// AppendAttestation appends to the log, bumping its head, optionally with a trigger update
func (r *TriggerRepository) AppendAttestation(a *models.Attestation, updated *models.Trigger) error {
	head, err := r.db.Get(attLogKey(a.TriggerID))
	if db.IsNotFound(err) {
		return fmt.Errorf("attestation log %s: %w", a.TriggerID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	seq, err := decodeUint64(head)
	if err != nil {
		return err
	}

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(attestationKey(a.TriggerID, seq), data)
	batch.Put(attLogKey(a.TriggerID), encodeUint64(seq+1))
	if updated != nil {
		if updated.ID != a.TriggerID {
			return fmt.Errorf("attestation for %s cannot update trigger %s", a.TriggerID, updated.ID)
		}
		tdata, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		batch.Put(triggerKey(updated.ID), tdata)
	}
	return r.db.Write(batch)
}

// PutTrigger overwrites an existing trigger record
func (r *TriggerRepository) PutTrigger(t *models.Trigger) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.db.Put(triggerKey(t.ID), data)
}

// GetAttestations returns the trigger's attestations in submission order
func (r *TriggerRepository) GetAttestations(triggerID string) ([]*models.Attestation, error) {
	iter := r.db.NewPrefixIterator(attestationsPrefix(triggerID))
	defer iter.Release()

	attestations := []*models.Attestation{}
	for iter.Next() {
		var a models.Attestation
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return nil, err
		}
		attestations = append(attestations, &a)
	}
	return attestations, iter.Error()
}

// CountAttestations derives the length of the trigger's log from its head
func (r *TriggerRepository) CountAttestations(triggerID string) (int, error) {
	head, err := r.db.Get(attLogKey(triggerID))
	if db.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	seq, err := decodeUint64(head)
	if err != nil {
		return 0, err
	}
	return int(seq), nil
}

// PutAttestorKey stores the attestor's public key
func (r *TriggerRepository) PutAttestorKey(key []byte) error {
	return r.db.Put([]byte(attestorKeyKey), key)
}

// GetAttestorKey returns the attestor's public key, or nil when none was set
func (r *TriggerRepository) GetAttestorKey() ([]byte, error) {
	key, err := r.db.Get([]byte(attestorKeyKey))
	if db.IsNotFound(err) {
		return nil, nil
	}
	return key, err
}
