package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/appt-scheduler/internal/crypto"
	"github.com/example/appt-scheduler/internal/db"
)

// Repo persists profiles in Postgres with secrets sealed by AEAD.
type Repo struct {
	db   *db.DB
	aead *crypto.AEAD
}

var _ Store = (*Repo)(nil)

func NewRepo(d *db.DB, aead *crypto.AEAD) *Repo { return &Repo{db: d, aead: aead} }

const dobLayout = "2006-01-02"

func (r *Repo) Create(ctx context.Context, p Profile) (Profile, error) {
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	stamp(&p, time.Now())

	dob, err := r.aead.EncryptToString(p.DOB.Format(dobLayout))
	if err != nil {
		return Profile{}, err
	}
	last4, err := r.aead.EncryptToString(p.Last4)
	if err != nil {
		return Profile{}, err
	}
	mboxPass, err := r.aead.EncryptToString(p.Mailbox.Password)
	if err != nil {
		return Profile{}, err
	}
	flags, err := json.Marshal(p.Flags)
	if err != nil {
		return Profile{}, err
	}

	var prev *string
	if p.PreviousID != "" {
		prev = &p.PreviousID
	}
	_, err = r.db.Exec(ctx, `
INSERT INTO profiles(id,previous_id,version,first_name,last_name,dob_enc,last4_enc,phone,email,postal_code,location_preference,max_distance_miles,slot_priority,flags,mailbox_user,mailbox_password_enc,created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, prev, p.Version, p.FirstName, p.LastName, dob, last4, p.Phone, p.Email, p.PostalCode,
		p.LocationPreference, p.MaxDistanceMiles, string(p.SlotPriority), flags, p.Mailbox.User, mboxPass, p.CreatedAt,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	return p, nil
}

func (r *Repo) Get(ctx context.Context, id string) (Profile, error) {
	var (
		p                     Profile
		prev                  *string
		dobEnc, last4Enc      string
		mboxPassEnc, priority string
		flags                 []byte
	)
	err := r.db.QueryRow(ctx, `
SELECT id,previous_id,version,first_name,last_name,dob_enc,last4_enc,phone,email,postal_code,location_preference,max_distance_miles,slot_priority,flags,mailbox_user,mailbox_password_enc,created_at
FROM profiles WHERE id=$1`, id).Scan(
		&p.ID, &prev, &p.Version, &p.FirstName, &p.LastName, &dobEnc, &last4Enc, &p.Phone, &p.Email, &p.PostalCode,
		&p.LocationPreference, &p.MaxDistanceMiles, &priority, &flags, &p.Mailbox.User, &mboxPassEnc, &p.CreatedAt,
	)
	if err != nil {
		if db.IsNotFound(err) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, db.WrapNotFound(err)
	}
	if prev != nil {
		p.PreviousID = *prev
	}
	p.SlotPriority = SlotPriority(priority)
	if err := json.Unmarshal(flags, &p.Flags); err != nil {
		return Profile{}, fmt.Errorf("profile %s flags: %w", id, err)
	}

	dob, err := r.aead.DecryptString(dobEnc)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s dob: %w", id, err)
	}
	if p.DOB, err = time.Parse(dobLayout, dob); err != nil {
		return Profile{}, err
	}
	if p.Last4, err = r.aead.DecryptString(last4Enc); err != nil {
		return Profile{}, fmt.Errorf("profile %s last4: %w", id, err)
	}
	if p.Mailbox.Password, err = r.aead.DecryptString(mboxPassEnc); err != nil {
		return Profile{}, fmt.Errorf("profile %s mailbox: %w", id, err)
	}
	return p, nil
}
