package release

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/router"
)

// SnapshotComponentVersions records the current content of each releasable
// component. A component whose hash is already recorded is returned as is;
// new content gets the configured version or, when that is not newer than
// the last recorded one, the next patch version.
func (c *Controller) SnapshotComponentVersions(ctx context.Context) ([]ComponentVersion, error) {
	active, err := c.weights.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("active weights: %w", err)
	}
	pointer, err := c.weights.Pointer(ctx)
	if err != nil {
		return nil, err
	}
	policyHash, err := contentHash(gate.RulesetPatterns())
	if err != nil {
		return nil, err
	}
	routerHash, err := contentHash(router.RulesetPatterns())
	if err != nil {
		return nil, err
	}

	wanted := []struct {
		component, hash, label, preferred string
		canary                            int
	}{
		{ComponentWRQSConfig, active.ConfigHash, active.Label, fmt.Sprintf("%d.0.0", active.Version), pointer.CanaryPercent},
		{ComponentPolicyRules, policyHash, "policy-rules", c.config.PolicyRulesVersion, 0},
		{ComponentRouterRules, routerHash, "router-rules", c.config.RouterRulesVersion, 0},
	}

	out := make([]ComponentVersion, 0, len(wanted))
	for _, w := range wanted {
		existing, err := c.store.ComponentByHash(ctx, w.component, w.hash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			out = append(out, *existing)
			continue
		}

		latest, err := c.store.LatestComponent(ctx, w.component)
		if err != nil {
			return nil, err
		}
		version, err := nextVersion(w.preferred, latest)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", w.component, err)
		}
		cv := ComponentVersion{
			Component:     w.component,
			Version:       version,
			ContentHash:   w.hash,
			Label:         w.label,
			CanaryPercent: w.canary,
			CreatedAt:     c.now(),
		}
		if err := c.store.InsertComponent(ctx, cv); err != nil {
			return nil, err
		}
		c.logger.Info("[RELEASE] component version recorded",
			"component", cv.Component, "version", cv.Version, "hash", cv.ContentHash[:12])
		out = append(out, cv)
	}
	return out, nil
}

func nextVersion(preferred string, latest *ComponentVersion) (string, error) {
	want, err := semver.NewVersion(preferred)
	if err != nil {
		return "", fmt.Errorf("parse version %q: %w", preferred, err)
	}
	if latest == nil {
		return want.String(), nil
	}
	prev, err := semver.NewVersion(latest.Version)
	if err != nil {
		return "", fmt.Errorf("parse recorded version %q: %w", latest.Version, err)
	}
	if want.GreaterThan(prev) {
		return want.String(), nil
	}
	return prev.IncPatch().String(), nil
}

func contentHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
