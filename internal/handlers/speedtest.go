package handlers

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/showwin/speedtest-go/speedtest"

	"jobweave/internal/task/job"
	"jobweave/internal/task/retry"
	logx "jobweave/pkg/logx"
)

// SpeedSample is one measured link.
type SpeedSample struct {
	DownloadMbps float64       `json:"download_mbps"`
	UploadMbps   float64       `json:"upload_mbps"`
	Latency      time.Duration `json:"latency"`
	Jitter       time.Duration `json:"jitter,omitempty"`
	Server       string        `json:"server"`
	Country      string        `json:"country,omitempty"`
	ISP          string        `json:"isp,omitempty"`
}

// SpeedMeter measures the link once.
type SpeedMeter func(ctx context.Context, p SpeedtestParams) (SpeedSample, error)

type SpeedtestParams struct {
	ServerCount     int     `json:"server_count,omitempty"`
	MaxConnections  int     `json:"max_connections,omitempty"`
	SavingMode      bool    `json:"saving_mode,omitempty"`
	MinDownloadMbps float64 `json:"min_download_mbps,omitempty"`
	MinUploadMbps   float64 `json:"min_upload_mbps,omitempty"`
	SkipUpload      bool    `json:"skip_upload,omitempty"`
}

// Speedtest measures bandwidth against the nearest speedtest.net servers
// and fails the run when a measured rate is under its floor.
type Speedtest struct {
	p       SpeedtestParams
	measure SpeedMeter
	log     logx.Logger
}

type speedtestResult struct {
	SpeedSample
	BelowFloor bool `json:"below_floor,omitempty"`
}

func buildSpeedtest(raw json.RawMessage, env Env) (job.Handler, error) {
	var p SpeedtestParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return NewSpeedtest(p, env.Speedtest, env.Log)
}

func NewSpeedtest(p SpeedtestParams, m SpeedMeter, log logx.Logger) (*Speedtest, error) {
	switch {
	case p.ServerCount < 0:
		return nil, errors.New("server_count must be >= 0")
	case p.MaxConnections < 0:
		return nil, errors.New("max_connections must be >= 0")
	case p.MinDownloadMbps < 0 || p.MinUploadMbps < 0:
		return nil, errors.New("min_*_mbps must be >= 0")
	case p.SkipUpload && p.MinUploadMbps > 0:
		return nil, errors.New("min_upload_mbps needs the upload test")
	}
	if p.ServerCount == 0 {
		p.ServerCount = 5
	}
	if p.MaxConnections == 0 {
		p.MaxConnections = 4
	}
	if m == nil {
		m = measureSpeedtest
	}
	return &Speedtest{p: p, measure: m, log: log}, nil
}

func (s *Speedtest) Run(ctx context.Context, rc job.RunContext) (job.Result, error) {
	sample, err := s.measure(ctx, s.p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "speedtest")
	}
	rc.Log.Info("speedtest finished",
		logx.String("server", sample.Server),
		logx.Float64("download_mbps", sample.DownloadMbps),
		logx.Float64("upload_mbps", sample.UploadMbps),
		logx.Duration("latency", sample.Latency),
	)

	res := speedtestResult{SpeedSample: sample}
	var floorErr error
	switch {
	case s.p.MinDownloadMbps > 0 && sample.DownloadMbps < s.p.MinDownloadMbps:
		floorErr = errors.Newf("download %.1f Mbps below floor %.1f", sample.DownloadMbps, s.p.MinDownloadMbps)
	case s.p.MinUploadMbps > 0 && sample.UploadMbps < s.p.MinUploadMbps:
		floorErr = errors.Newf("upload %.1f Mbps below floor %.1f", sample.UploadMbps, s.p.MinUploadMbps)
	}
	res.BelowFloor = floorErr != nil
	out, _ := json.Marshal(res)
	if floorErr != nil {
		// Remeasuring seconds later rarely changes a slow link.
		return job.Result(out), retry.NoRetry(floorErr)
	}
	return job.Result(out), nil
}

// measureSpeedtest uses a private client per run; the package-level one in
// speedtest-go keeps snapshots alive between runs.
func measureSpeedtest(ctx context.Context, p SpeedtestParams) (SpeedSample, error) {
	stc := speedtest.New(speedtest.WithUserConfig(&speedtest.UserConfig{
		SavingMode:     p.SavingMode,
		MaxConnections: p.MaxConnections,
	}))
	stc.SetNThread(p.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return SpeedSample{}, errors.Wrap(err, "fetch user info")
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return SpeedSample{}, errors.Wrap(err, "fetch server list")
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return SpeedSample{}, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if len(servers) > p.ServerCount {
		servers = servers[:p.ServerCount]
	}
	var best *speedtest.Server
	for _, srv := range servers {
		if err := srv.PingTestContext(ctx, nil); err != nil {
			if ctx.Err() != nil {
				return SpeedSample{}, ctx.Err()
			}
			continue
		}
		if best == nil || srv.Latency < best.Latency {
			best = srv
		}
	}
	if best == nil {
		return SpeedSample{}, errors.New("all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return SpeedSample{}, errors.Wrapf(err, "download test against %s", best.Sponsor)
	}
	sample := SpeedSample{
		DownloadMbps: best.DLSpeed.Mbps(),
		Latency:      best.Latency,
		Jitter:       best.Jitter,
		Server:       best.Sponsor,
		Country:      best.Country,
		ISP:          user.Isp,
	}
	if !p.SkipUpload {
		if err := best.UploadTestContext(ctx); err != nil {
			return SpeedSample{}, errors.Wrapf(err, "upload test against %s", best.Sponsor)
		}
		sample.UploadMbps = best.ULSpeed.Mbps()
	}
	return sample, nil
}
