package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-entity-store/database"
	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/pkg/di"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Customer is the record type the demo writes.
type Customer struct {
	entity.Base
	ID   string
	Name string
}

func (c *Customer) GetID() any { return c.ID }

// Validate requires a name.
func (c *Customer) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required, validation.Length(1, 100)),
	)
}

var customerType = reflect.TypeOf(Customer{})

// DemoStep is one observation of the demo run.
type DemoStep struct {
	Step   string `json:"step"`
	Result string `json:"result"`
}

type demoOptions struct {
	store string
}

// NewDemoCommand runs the stale clone scenario: a record is renamed inside a
// transaction through a clone, the shared instance is rejected as stale and
// the rename becomes visible once the scope commits.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the transaction scope demo",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.container(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			steps, err := runDemo(cmd.Context(), c, opts.store)
			if err != nil {
				return err
			}
			p := newPrinter(rootOpts, cmd.OutOrStdout())
			return p.emit(steps, func(w io.Writer) error {
				rows := make([][]any, 0, len(steps))
				for i, s := range steps {
					rows = append(rows, []any{i + 1, s.Step, s.Result})
				}
				return table(w, []any{"#", "STEP", "RESULT"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&opts.store, "store", "memory", `"memory" or a connection name or driver://dsn`)
	return cmd
}

func runDemo(ctx context.Context, c *di.Container, store string) ([]DemoStep, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if store == "memory" {
		c.UseMemory("memory://demo", customerType)
	} else if _, err := c.UseSQL(ctx, store, customerType); err != nil {
		return nil, err
	}

	db := c.Database()
	var steps []DemoStep
	record := func(step, format string, args ...any) {
		steps = append(steps, DemoStep{Step: step, Result: fmt.Sprintf(format, args...)})
	}

	if err := db.Save(ctx, &Customer{ID: uuid.NewString()}); err != nil {
		var verr *database.ValidationError
		if !errors.As(err, &verr) {
			return nil, err
		}
		record("save without name", "rejected: %v", verr.FieldNames())
	}

	alice := &Customer{ID: uuid.NewString(), Name: "Alice"}
	if err := db.Save(ctx, alice); err != nil {
		return nil, err
	}
	record("save", "%s saved as %s", alice.Name, alice.ID)

	shared, err := database.Get[*Customer](ctx, db, alice.ID)
	if err != nil {
		return nil, err
	}
	record("get", "%s (cached, immutable=%t)", shared.Name, shared.EntityMeta().IsImmutable())

	txCtx, scope := db.CreateTransactionScope(ctx)
	defer scope.Dispose()

	loaded, err := database.Get[*Customer](txCtx, db, alice.ID)
	if err != nil {
		return nil, err
	}
	bob, err := database.Update(txCtx, db, loaded, func(c *Customer) error {
		c.Name = "Bob"
		return nil
	})
	if err != nil {
		return nil, err
	}
	record("update in scope", "clone renamed to %s, loaded instance still %s", bob.Name, loaded.Name)

	var stale *database.StaleCloneConflictError
	switch err := db.Save(txCtx, shared); {
	case errors.As(err, &stale):
		record("save shared instance", "rejected as stale (version %d < %d)", stale.Version, stale.SavedVersion)
	case err != nil:
		return nil, err
	default:
		record("save shared instance", "unexpectedly accepted")
	}

	outside, err := database.Get[*Customer](ctx, db, alice.ID)
	if err != nil {
		return nil, err
	}
	record("get outside scope", "%s before commit", outside.Name)

	if err := scope.Complete(); err != nil {
		return nil, err
	}
	if err := scope.Dispose(); err != nil {
		return nil, err
	}

	after, err := database.Get[*Customer](ctx, db, alice.ID)
	if err != nil {
		return nil, err
	}
	record("get after commit", "%s", after.Name)
	return steps, nil
}
