package store

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/openwiki/infobase/api"
	"github.com/openwiki/infobase/kv"
)

// Register creates a user: the user document, a personal usergroup and
// permission object so only the user can edit their own pages, and the
// account record with the bcrypt password hash and a unique email. All of
// it commits in one transaction.
func (s *Store) Register(ctx context.Context, username, email, password string) (string, error) {
	userKey := "/user/" + username
	groupKey := userKey + "/usergroup"
	permKey := userKey + "/permission"

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	docs := []api.Document{
		{
			"key":         userKey,
			"type":        api.NewReference("/type/user"),
			"displayname": username,
			"permission":  api.NewReference(permKey),
		},
		{
			"key":     groupKey,
			"type":    api.NewReference("/type/usergroup"),
			"members": []interface{}{api.NewReference(userKey)},
		},
		{
			"key":     permKey,
			"type":    api.NewReference("/type/permission"),
			"writers": []interface{}{api.NewReference(groupKey)},
		},
	}

	proc := s.NewSaveProcessor(userKey, true)
	docs, err = proc.ProcessMany(ctx, docs)
	if err != nil {
		return "", err
	}

	for _, doc := range docs {
		if err := s.runBeforeSave(ctx, doc); err != nil {
			return "", err
		}
	}

	lockKeys := make([][]byte, len(docs))
	for i, doc := range docs {
		lockKeys[i] = thingKey(doc.Key())
	}
	w, err := s.kv.ExclusiveWrite(ctx, lockKeys...)
	if err != nil {
		if errors.Is(err, kv.ErrLockHeld) {
			return "", api.Conflict("another writer holds a lock on one of the keys")
		}
		return "", err
	}
	defer w.Close()

	// existence and uniqueness are decided inside the transaction, so two
	// concurrent registrations cannot both claim the same user or email
	existing, err := loadThing(ctx, w, userKey)
	if err != nil {
		w.Rollback()
		return "", err
	}
	if existing != nil {
		w.Rollback()
		return "", api.Conflict("user already exists: " + userKey)
	}
	taken, err := w.Get(ctx, emailKey(email))
	if err != nil {
		w.Rollback()
		return "", err
	}
	if taken != nil {
		w.Rollback()
		return "", api.Conflict("email already used: " + email)
	}

	pm := s.pm.Copy()
	rc := newRequestCache(s.cache)
	req := SaveRequest{Kind: "register", Author: userKey, Docs: docs}
	results, cs, err := s.saveImpl(ctx, w, pm, rc, req, docs)
	if err != nil {
		w.Rollback()
		rc.discard()
		return "", err
	}

	// the account row commits with the register changeset
	d := &api.UserDetails{Email: email, EncPassword: string(hash), Status: "active"}
	b, err := serializeStore(d)
	if err == nil {
		err = w.Put(accountKey(rc.local[userKey].Thing.ID), b)
	}
	if err == nil {
		err = w.Put(emailKey(email), []byte(userKey))
	}
	if err != nil {
		w.Rollback()
		rc.discard()
		return "", err
	}

	if err := w.Commit(ctx); err != nil {
		rc.discard()
		return "", err
	}
	s.pm.Absorb(pm)
	rc.flush()

	changed := make([]api.Document, len(results))
	for i, res := range results {
		changed[i] = rc.local[res.Key].Doc
	}
	s.runAfterSave(*cs, changed)

	s.log.Info("registered user", "key", userKey)
	return userKey, nil
}

// putUserDetails writes the account row and keeps the email index in sync.
func (s *Store) putUserDetails(ctx context.Context, userKey, oldEmail string, d *api.UserDetails) error {
	w := s.kv.Write()
	defer w.Close()

	t, err := loadThing(ctx, w, userKey)
	if err != nil {
		w.Rollback()
		return err
	}
	if t == nil {
		w.Rollback()
		return api.NotFound(userKey)
	}

	if oldEmail != d.Email {
		taken, err := w.Get(ctx, emailKey(d.Email))
		if err != nil {
			w.Rollback()
			return err
		}
		if taken != nil && string(taken) != userKey {
			w.Rollback()
			return api.Conflict("email already used: " + d.Email)
		}
	}

	b, err := serializeStore(d)
	if err != nil {
		w.Rollback()
		return err
	}
	if err := w.Put(accountKey(t.ID), b); err != nil {
		w.Rollback()
		return err
	}
	if oldEmail != "" && oldEmail != d.Email {
		if err := w.Del(emailKey(oldEmail)); err != nil {
			w.Rollback()
			return err
		}
	}
	if err := w.Put(emailKey(d.Email), []byte(userKey)); err != nil {
		w.Rollback()
		return err
	}
	return w.Commit(ctx)
}

// GetUserDetails returns the account record for a user key.
func (s *Store) GetUserDetails(ctx context.Context, userKey string) (*api.UserDetails, error) {
	r := s.kv.Read()
	defer r.Close()

	t, err := loadThing(ctx, r, userKey)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, api.NotFound(userKey)
	}
	b, err := r.Get(ctx, accountKey(t.ID))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, api.NotFound(userKey)
	}
	var d api.UserDetails
	if err := deserializeStore(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateUserDetails applies an edit to the account record.
func (s *Store) UpdateUserDetails(ctx context.Context, userKey string, edit func(*api.UserDetails)) error {
	d, err := s.GetUserDetails(ctx, userKey)
	if err != nil {
		return err
	}
	oldEmail := d.Email
	edit(d)
	return s.putUserDetails(ctx, userKey, oldEmail, d)
}

// FindUserByEmail returns the user key registered under an email address.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (string, error) {
	r := s.kv.Read()
	defer r.Close()

	b, err := r.Get(ctx, emailKey(email))
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", api.NotFound(email)
	}
	return string(b), nil
}

// VerifyPassword checks a login attempt against the stored hash.
func (s *Store) VerifyPassword(ctx context.Context, userKey, password string) error {
	d, err := s.GetUserDetails(ctx, userKey)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(d.EncPassword), []byte(password)) != nil {
		return api.PermissionDenied(userKey)
	}
	return nil
}
