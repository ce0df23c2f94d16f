package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"keygate/internal/docstore"
	"keygate/internal/domain"
	"keygate/internal/dto"
	"keygate/internal/jwtsigner"
	"keygate/internal/store"

	"github.com/google/uuid"
)

type Service struct {
	store  *store.Store
	hub    *Hub
	signer *jwtsigner.Signer
}

func New(store *store.Store, hub *Hub, signer *jwtsigner.Signer) *Service {
	return &Service{store: store, hub: hub, signer: signer}
}

// Hub exposes the watch fan-out for the websocket transport.
func (s *Service) Hub() *Hub { return s.hub }

// AnonymousAuth mints a device uid and a signed token for it.
func (s *Service) AnonymousAuth(ctx context.Context) (dto.AnonymousAuthResponse, error) {
	uid := "uid_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.store.Devices().Ensure(ctx, uid); err != nil {
		return dto.AnonymousAuthResponse{}, err
	}
	token, err := s.signer.SignDevice(uid)
	if err != nil {
		return dto.AnonymousAuthResponse{}, err
	}
	return dto.AnonymousAuthResponse{UID: uid, Token: token}, nil
}

func (s *Service) GetKey(ctx context.Context, keyID string) (*domain.KeyDocument, error) {
	row, err := s.store.Keys().Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return docFromRow(row), nil
}

// RecordAccess applies the access write-back a client performs after a
// successful validation: bump the counter, stamp last access, bind the key on
// first use and burn one-time keys. Binding is exclusive; a key already bound
// to a different device is refused.
func (s *Service) RecordAccess(ctx context.Context, keyID string, req docstore.AccessRequest) (*domain.KeyDocument, error) {
	if req.UID == "" {
		return nil, fmt.Errorf("%w: missing uid", ErrInvalidRequest)
	}

	var row *store.ActivationKey
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		row, err = tx.Keys().GetForUpdate(ctx, keyID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		if row.UserUID != "" && row.UserUID != req.UID {
			return ErrKeyBound
		}

		now := time.Now().UTC()
		row.AccessCount++
		row.LastAccessed = &now
		if row.UserUID == "" {
			row.UserUID = req.UID
			row.ActivatedAt = &now
			row.ActivatedFrom = req.ActivatedFrom
		}
		if row.IsOneTime && !row.IsUsed {
			row.IsUsed = true
			row.UsedAt = &now
		}
		return tx.Keys().Save(ctx, row)
	})
	if err != nil {
		return nil, err
	}

	doc := docFromRow(row)
	s.hub.Publish(keyID, docstore.Event{Exists: true, Key: doc})
	return doc, nil
}

func (s *Service) CreateKey(ctx context.Context, req dto.CreateKeyRequest) (dto.CreateKeyResponse, error) {
	keyID := domain.NormalizeKeyID(req.KeyID)
	if keyID == "" {
		keyID = randomKeyID()
	}
	if !domain.ValidKeyID(keyID) {
		return dto.CreateKeyResponse{}, fmt.Errorf("%w: malformed key id %q", ErrInvalidRequest, keyID)
	}

	expires := req.ExpiresAt
	if expires == nil && req.TTLDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, req.TTLDays)
		expires = &t
	}

	row := &store.ActivationKey{
		ID:          keyID,
		Description: req.Description,
		ExpiresAt:   expires,
		IsOneTime:   req.IsOneTime,
	}
	if err := s.store.Keys().Create(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return dto.CreateKeyResponse{}, ErrKeyExists
		}
		return dto.CreateKeyResponse{}, err
	}
	return dto.CreateKeyResponse{
		KeyID:     row.ID,
		ExpiresAt: row.ExpiresAt,
		IsOneTime: row.IsOneTime,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (s *Service) ListKeys(ctx context.Context) (dto.ListKeysResponse, error) {
	rows, err := s.store.Keys().List(ctx)
	if err != nil {
		return dto.ListKeysResponse{}, err
	}
	resp := dto.ListKeysResponse{Keys: make([]dto.KeySummary, 0, len(rows))}
	for _, r := range rows {
		resp.Keys = append(resp.Keys, dto.KeySummary{
			KeyID:       r.ID,
			Description: r.Description,
			ExpiresAt:   r.ExpiresAt,
			IsOneTime:   r.IsOneTime,
			IsUsed:      r.IsUsed,
			UserUID:     r.UserUID,
			AccessCount: r.AccessCount,
			CreatedAt:   r.CreatedAt,
		})
	}
	return resp, nil
}

// ExtendKey moves the expiry forward and notifies watchers so running
// clients pick the extension up live.
func (s *Service) ExtendKey(ctx context.Context, keyID string, req dto.ExtendKeyRequest) (*domain.KeyDocument, error) {
	if req.ExpiresAt == nil && req.AddDays <= 0 {
		return nil, fmt.Errorf("%w: nothing to extend", ErrInvalidRequest)
	}

	var row *store.ActivationKey
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		row, err = tx.Keys().GetForUpdate(ctx, keyID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		switch {
		case req.ExpiresAt != nil:
			t := req.ExpiresAt.UTC()
			row.ExpiresAt = &t
		default:
			base := time.Now().UTC()
			if row.ExpiresAt != nil && row.ExpiresAt.After(base) {
				base = *row.ExpiresAt
			}
			t := base.AddDate(0, 0, req.AddDays)
			row.ExpiresAt = &t
		}
		return tx.Keys().Save(ctx, row)
	})
	if err != nil {
		return nil, err
	}

	doc := docFromRow(row)
	s.hub.Publish(keyID, docstore.Event{Exists: true, Key: doc})
	return doc, nil
}

// DeleteKey removes the key and tells watchers the document is gone.
func (s *Service) DeleteKey(ctx context.Context, keyID string) error {
	err := s.store.Keys().Delete(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return ErrKeyNotFound
		}
		return err
	}
	s.hub.Publish(keyID, docstore.Event{Exists: false})
	return nil
}

func docFromRow(row *store.ActivationKey) *domain.KeyDocument {
	doc := &domain.KeyDocument{
		IsOneTime:     row.IsOneTime,
		IsUsed:        row.IsUsed,
		UserUID:       row.UserUID,
		AccessCount:   row.AccessCount,
		Description:   row.Description,
		ActivatedFrom: row.ActivatedFrom,
	}
	doc.ExpiresAt = flex(row.ExpiresAt)
	doc.CreatedAt = domain.NewFlexTime(row.CreatedAt)
	doc.ActivatedAt = flex(row.ActivatedAt)
	doc.LastAccessed = flex(row.LastAccessed)
	doc.UsedAt = flex(row.UsedAt)
	return doc
}

func flex(t *time.Time) *domain.FlexTime {
	if t == nil {
		return nil
	}
	return domain.NewFlexTime(*t)
}

// Key ids avoid 0/O and 1/I so they survive being read aloud or typed from
// a printout.
const keyIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomKeyID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = keyIDAlphabet[int(b[i])%len(keyIDAlphabet)]
	}
	return string(b)
}
