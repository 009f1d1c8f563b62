package retention

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/activitytracker/internal/activitytracker/metrics"
	"github.com/G-Research/activitytracker/internal/activitytracker/model"
	"github.com/G-Research/activitytracker/internal/common/logctx"
	"github.com/G-Research/activitytracker/internal/common/logging"
	"github.com/G-Research/activitytracker/internal/common/trackererrors"
	"github.com/G-Research/activitytracker/internal/jsondb"
	"github.com/G-Research/activitytracker/internal/keygen"
)

type Config struct {
	// Exchanges whose key encodes a time older than this are deleted.
	RetentionTime time.Duration
	// If positive, only this many of the newest exchanges are kept per flow.
	RetainCount int
}

// Sweeper removes old activity records from the store.
type Sweeper struct {
	store   jsondb.Store
	config  Config
	clock   clock.PassiveClock
	metrics *metrics.Metrics
}

func NewSweeper(store jsondb.Store, config Config, clock clock.PassiveClock) *Sweeper {
	return &Sweeper{
		store:   store,
		config:  config,
		clock:   clock,
		metrics: metrics.Get(),
	}
}

// Run sweeps once, logging rather than returning any failure so that it can be scheduled periodically.
func (s *Sweeper) Run(ctx *logctx.Context) {
	if err := s.Sweep(ctx); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("retention sweep failed")
	}
}

// Sweep deletes, for every flow with recorded activity, the exchanges below the retention boundary. A failure
// for one flow does not prevent the others from being swept; all failures are returned together.
func (s *Sweeper) Sweep(ctx *logctx.Context) error {
	flows, err := s.flows(ctx)
	if err != nil {
		return err
	}
	boundary := keygen.BoundaryKey(s.clock.Now().Add(-s.config.RetentionTime))

	var result *multierror.Error
	for _, flowID := range flows {
		parent := model.FlowExchangesPath(flowID)
		deleted, err := s.store.DeleteBelowKey(ctx, parent, boundary)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "sweeping flow %s", flowID))
			continue
		}
		s.metrics.RecordRetentionDeletions(metrics.DeletionKindExpired, deleted)
		ctx.Log.Infof("deleted %d transactions for integration %s", deleted, flowID)

		if s.config.RetainCount <= 0 {
			continue
		}
		deleted, err = s.store.DeleteAllButLatest(ctx, parent, s.config.RetainCount)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "trimming flow %s", flowID))
			continue
		}
		s.metrics.RecordRetentionDeletions(metrics.DeletionKindOverflow, deleted)
		if deleted > 0 {
			ctx.Log.Infof("deleted %d transactions beyond the newest %d for integration %s", deleted, s.config.RetainCount, flowID)
		}
	}
	return result.ErrorOrNil()
}

// flows returns the ids of every flow marked as having activity, sorted.
func (s *Sweeper) flows(ctx *logctx.Context) ([]string, error) {
	value, err := s.store.GetAsBytes(ctx, model.FlowsPath)
	if trackererrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	flows := map[string]json.RawMessage{}
	if err := json.Unmarshal(value, &flows); err != nil {
		return nil, errors.Wrapf(err, "invalid flow marks at %s", model.FlowsPath)
	}
	ids := maps.Keys(flows)
	slices.Sort(ids)
	return ids, nil
}
