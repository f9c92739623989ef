// Package manifest resolves adaptive-bitrate playlists into a flat,
// ordered download plan.
package manifest

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"github.com/rs/zerolog"

	"hlsgrab/internal/errs"
	"hlsgrab/internal/fetch"
	"hlsgrab/internal/log"
)

// Container identifies the media container the segments use.
type Container string

const (
	ContainerTS   Container = "ts"
	ContainerFMP4 Container = "fmp4"
)

// Ext returns the artifact file extension for the container.
func (c Container) Ext() string {
	if c == ContainerFMP4 {
		return ".mp4"
	}
	return ".ts"
}

// Plan is the flattened result of resolving a playlist chain: every
// segment URL is absolute, ordered, and index-addressable. When an init
// segment is present it occupies index 0.
type Plan struct {
	// FinalURL is the media playlist URL that produced the segments,
	// after redirects and variant selection.
	FinalURL string

	SegmentURLs []string

	// SegmentRanges maps a segment index to a Range header value for
	// entries carrying a byte range. Indexes not present are full fetches.
	SegmentRanges map[int]string

	// Encrypted is set when the playlist chain declares key-based
	// encryption. Resolution still completes; callers refuse encrypted
	// plans before fetching any segment.
	Encrypted bool

	Container Container

	// Duration is the summed segment duration, informational only.
	Duration time.Duration
}

// Resolver turns a playlist URL into a Plan, following master variants
// and nested playlists up to MaxDepth levels.
type Resolver struct {
	Fetch    fetch.Client
	MaxDepth int
	Log      zerolog.Logger
}

func NewResolver(fc fetch.Client, maxDepth int) *Resolver {
	return &Resolver{
		Fetch:    fc,
		MaxDepth: maxDepth,
		Log:      log.WithComponent("resolver"),
	}
}

// Resolve fetches and flattens the playlist at raw URL.
func (r *Resolver) Resolve(ctx context.Context, rawURL string, hdr fetch.Headers) (*Plan, error) {
	plan, err := r.resolve(ctx, rawURL, hdr, 0)
	if err != nil {
		return nil, err
	}
	if len(plan.SegmentURLs) == 0 {
		return nil, errs.New(errs.CodeNoPlayableSegments, "playlist resolved to zero segments").WithURL(rawURL)
	}
	r.Log.Debug().
		Str("url", rawURL).
		Int("segments", len(plan.SegmentURLs)).
		Str("container", string(plan.Container)).
		Dur("duration", plan.Duration).
		Msg("playlist resolved")
	return plan, nil
}

func (r *Resolver) resolve(ctx context.Context, rawURL string, hdr fetch.Headers, depth int) (*Plan, error) {
	if depth > r.MaxDepth {
		return nil, errs.Newf(errs.CodeManifestTooDeep, "playlist nesting exceeds %d levels", r.MaxDepth).WithURL(rawURL)
	}

	body, finalURL, err := r.Fetch.Manifest(ctx, fetch.Request{URL: rawURL, Headers: hdr})
	if err != nil {
		return nil, err
	}

	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("parse playlist %s: %w", rawURL, err)
	}

	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, fmt.Errorf("parse final URL %q: %w", finalURL, err)
	}

	switch listType {
	case m3u8.MASTER:
		return r.resolveMaster(ctx, pl.(*m3u8.MasterPlaylist), base, hdr, depth)
	case m3u8.MEDIA:
		return r.resolveMedia(ctx, pl.(*m3u8.MediaPlaylist), base, finalURL, hdr, depth)
	default:
		return nil, fmt.Errorf("unrecognized playlist type at %s", rawURL)
	}
}

// resolveMaster walks variants by descending bandwidth and returns the
// first one that resolves to playable segments.
func (r *Resolver) resolveMaster(ctx context.Context, mpl *m3u8.MasterPlaylist, base *url.URL, hdr fetch.Headers, depth int) (*Plan, error) {
	variants := make([]*m3u8.Variant, 0, len(mpl.Variants))
	for _, v := range mpl.Variants {
		if v != nil && v.URI != "" {
			variants = append(variants, v)
		}
	}
	if len(variants) == 0 {
		return nil, errs.New(errs.CodeNoPlayableSegments, "master playlist has no variants")
	}
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})

	var lastErr error
	for _, v := range variants {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		variantURL := resolveURL(base, v.URI)
		plan, err := r.resolve(ctx, variantURL, hdr, depth+1)
		if err != nil {
			r.Log.Warn().Err(err).Str("variant", variantURL).Uint32("bandwidth", v.Bandwidth).Msg("variant skipped")
			lastErr = err
			continue
		}
		if len(plan.SegmentURLs) == 0 {
			continue
		}
		return plan, nil
	}

	// A master that only nests too deep is more usefully reported as
	// such than as a generic empty result.
	if errs.HasCode(lastErr, errs.CodeManifestTooDeep) {
		return nil, lastErr
	}
	return nil, errs.Wrap(lastErr, errs.CodeNoPlayableSegments, "no variant produced playable segments")
}

type planEntry struct {
	url string
	rng string
}

func (r *Resolver) resolveMedia(ctx context.Context, mpl *m3u8.MediaPlaylist, base *url.URL, finalURL string, hdr fetch.Headers, depth int) (*Plan, error) {
	var (
		media     []planEntry
		nested    []string
		durSec    float64
		encrypted = keyIsEncrypted(mpl.Key)

		initURL string
		initRng string

		// Byte-range continuation bookkeeping. The decoder reports an
		// offset-less BYTERANGE line either as zero or as a repeat of
		// the previous raw offset, so both shapes continue from the
		// prior range's end.
		nextOff = map[string]int64{}
		lastRaw = map[string]int64{}
	)

	if mpl.Map != nil && mpl.Map.URI != "" {
		initURL = resolveURL(base, mpl.Map.URI)
		initRng = rangeHeader(mpl.Map.Offset, mpl.Map.Limit)
	}

	for _, seg := range mpl.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		if keyIsEncrypted(seg.Key) {
			encrypted = true
		}
		if seg.Map != nil && seg.Map.URI != "" && initURL == "" {
			initURL = resolveURL(base, seg.Map.URI)
			initRng = rangeHeader(seg.Map.Offset, seg.Map.Limit)
		}

		abs := resolveURL(base, seg.URI)
		if LooksLikePlaylist(abs) {
			nested = append(nested, abs)
			continue
		}

		durSec += seg.Duration

		rng := ""
		if seg.Limit > 0 {
			start := seg.Offset
			if nxt, ok := nextOff[abs]; ok && (seg.Offset == 0 || seg.Offset == lastRaw[abs]) {
				start = nxt
			}
			rng = fmt.Sprintf("bytes=%d-%d", start, start+seg.Limit-1)
			nextOff[abs] = start + seg.Limit
			lastRaw[abs] = seg.Offset
		}
		media = append(media, planEntry{url: abs, rng: rng})
	}

	if len(media) == 0 && len(nested) > 0 {
		var lastErr error
		for _, nestedURL := range nested {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			plan, err := r.resolve(ctx, nestedURL, hdr, depth+1)
			if err != nil {
				r.Log.Warn().Err(err).Str("playlist", nestedURL).Msg("nested playlist skipped")
				lastErr = err
				continue
			}
			if len(plan.SegmentURLs) > 0 {
				plan.Encrypted = plan.Encrypted || encrypted
				return plan, nil
			}
		}
		if errs.HasCode(lastErr, errs.CodeManifestTooDeep) {
			return nil, lastErr
		}
		return nil, errs.Wrap(lastErr, errs.CodeNoPlayableSegments, "no nested playlist produced playable segments")
	}

	if initURL != "" {
		media = append([]planEntry{{url: initURL, rng: initRng}}, media...)
	}

	plan := &Plan{
		FinalURL:      finalURL,
		SegmentURLs:   make([]string, 0, len(media)),
		SegmentRanges: map[int]string{},
		Encrypted:     encrypted,
		Container:     containerOf(media, initURL != ""),
		Duration:      time.Duration(durSec * float64(time.Second)),
	}
	for i, e := range media {
		plan.SegmentURLs = append(plan.SegmentURLs, e.url)
		if e.rng != "" {
			plan.SegmentRanges[i] = e.rng
		}
	}
	return plan, nil
}

// LooksLikePlaylist reports whether the URL path carries a playlist
// suffix.
func LooksLikePlaylist(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return ext == ".m3u8" || ext == ".m3u"
}

func keyIsEncrypted(k *m3u8.Key) bool {
	return k != nil && k.Method != "" && !strings.EqualFold(k.Method, "NONE")
}

func rangeHeader(offset, limit int64) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+limit-1)
}

func containerOf(media []planEntry, hasInit bool) Container {
	if hasInit {
		return ContainerFMP4
	}
	for _, e := range media {
		u, err := url.Parse(e.url)
		if err != nil {
			continue
		}
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".m4s", ".mp4", ".m4v", ".m4a", ".m4f":
			return ContainerFMP4
		}
	}
	return ContainerTS
}

func resolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}
