package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/example/appt-scheduler/internal/classify"
	"github.com/example/appt-scheduler/internal/profile"
	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage applicant profiles",
	}
	cmd.AddCommand(newProfileCreateCmd())
	return cmd
}

// addFlagSet binds the classifier questionnaire to cmd's flags.
func addFlagSet(cmd *cobra.Command, f *classify.Flags) {
	cmd.Flags().BoolVar(&f.HasLocalCredential, "has-local-credential", false, "holds an in-state license or ID")
	cmd.Flags().BoolVar(&f.HasForeignCredential, "has-foreign-credential", false, "holds an out-of-state license")
	cmd.Flags().BoolVar(&f.CredentialExpired, "expired", false, "the credential has expired")
	cmd.Flags().BoolVar(&f.CredentialLost, "lost", false, "the credential was lost or stolen")
	cmd.Flags().BoolVar(&f.IsCommercial, "commercial", false, "needs commercial driving services")
	cmd.Flags().BoolVar(&f.IDOnly, "id-only", false, "needs an ID card rather than a license")
	cmd.Flags().BoolVar(&f.NeedsPermit, "permit", false, "needs a learner permit")
}

func newProfileCreateCmd() *cobra.Command {
	var (
		p        profile.Profile
		dob      string
		priority string
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a profile and print its recommended service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if p.DOB, err = time.Parse("2006-01-02", dob); err != nil {
				return fmt.Errorf("invalid --dob (want YYYY-MM-DD)")
			}
			if p.SlotPriority, err = profile.ParsePriority(priority); err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			created, err := a.Profiles.Create(ctx, p)
			if err != nil {
				return err
			}
			rec := a.Recommend(created)
			fmt.Fprintf(cmd.OutOrStdout(), "created profile id=%s recommended=%s confidence=%.2f\n",
				created.ID, rec.Tag, rec.Confidence)
			return nil
		},
	}

	c.Flags().StringVar(&p.FirstName, "first-name", "", "first name")
	c.Flags().StringVar(&p.LastName, "last-name", "", "last name")
	c.Flags().StringVar(&dob, "dob", "", "date of birth YYYY-MM-DD")
	c.Flags().StringVar(&p.Last4, "last4", "", "last four digits of the SSN")
	c.Flags().StringVar(&p.Phone, "phone", "", "phone number")
	c.Flags().StringVar(&p.Email, "email", "", "email address")
	c.Flags().StringVar(&p.PostalCode, "zip", "", "5 digit postal code")
	c.Flags().StringVar(&p.LocationPreference, "location", "", "preferred office, matched by substring")
	c.Flags().IntVar(&p.MaxDistanceMiles, "max-distance", 25, "search radius in miles")
	c.Flags().StringVar(&priority, "priority", "any", "any, same_day, next_day or this_week")
	c.Flags().StringVar(&p.Mailbox.User, "mailbox-user", "", "IMAP user that receives verification codes")
	c.Flags().StringVar(&p.Mailbox.Password, "mailbox-password", "", "IMAP app password")
	addFlagSet(c, &p.Flags)

	for _, f := range []string{"first-name", "last-name", "dob", "last4", "phone", "email", "zip"} {
		_ = c.MarkFlagRequired(f)
	}
	return c
}
