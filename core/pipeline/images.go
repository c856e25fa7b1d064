package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/davidahmann/shomer/core/custody"
	"github.com/davidahmann/shomer/core/digest"
	"github.com/davidahmann/shomer/core/vault"
)

const artifactTypeImage = "image"

type imageOutcome struct {
	url    string
	ref    string
	digest string
	err    error
}

// processImages fetches up to maxImages images concurrently and vaults each
// one. A failed image is recorded and skipped; it never fails the case.
// Custody events are written in page order once every fetch has finished.
func (p *Pipeline) processImages(ctx context.Context, caseID string, imageURLs []string) error {
	if len(imageURLs) > p.maxImages {
		imageURLs = imageURLs[:p.maxImages]
	}
	if len(imageURLs) == 0 {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.images")
	defer span.End()

	outcomes := make([]imageOutcome, len(imageURLs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.imageConcurrency)
	for index, imageURL := range imageURLs {
		group.Go(func() error {
			outcomes[index] = p.vaultImage(groupCtx, caseID, imageURL)
			return nil
		})
	}
	_ = group.Wait()

	for _, outcome := range outcomes {
		if outcome.err != nil {
			p.metrics.ImageFetchFailures.Inc()
			if err := p.log(caseID, custody.ActionImageFetchFailed, custody.StatusError, map[string]any{
				"image_url": p.pii.Scrub(outcome.url),
			}, p.sanitize(outcome.err)); err != nil {
				return err
			}
			continue
		}
		if _, err := p.cases.AddArtifact(ctx, caseID, artifactTypeImage, "vault://"+outcome.ref, outcome.digest, outcome.ref); err != nil {
			return fmt.Errorf("record image artifact: %w", err)
		}
		if err := p.log(caseID, custody.ActionImageMoved, custody.StatusSuccess, map[string]any{
			"vault_ref": outcome.ref,
			"image_url": p.pii.Scrub(outcome.url),
		}, ""); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) vaultImage(ctx context.Context, caseID, imageURL string) imageOutcome {
	outcome := imageOutcome{url: imageURL}
	data, err := p.fetcher.FetchImage(ctx, imageURL)
	if err != nil {
		outcome.err = err
		return outcome
	}
	ref, err := p.vault.Store(data, &vault.Metadata{Type: artifactTypeImage, URL: imageURL, CaseID: caseID})
	if err != nil {
		outcome.err = fmt.Errorf("vault image: %w", err)
		return outcome
	}
	p.metrics.VaultWrites.WithLabelValues(artifactTypeImage).Inc()
	outcome.ref = ref
	outcome.digest = digest.Bytes(data)
	return outcome
}
