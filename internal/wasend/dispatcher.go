package wasend

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/pkg/metrics"
)

// AddressSuffix is the transport's required recipient address suffix.
const AddressSuffix = "@s.whatsapp.net"

const (
	defaultMediaFetchTimeout = 30 * time.Second
	fallbackMime             = "application/octet-stream"
)

// extension → MIME table for local media files.
var extMimeTable = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".3gp":  "video/3gpp",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".aac":  "audio/aac",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".zip":  "application/zip",
}

// SendRequest describes one logical outbound message. MediaPath and
// MediaURL are mutually exclusive; both empty means plain text.
type SendRequest struct {
	SessionID  int64
	UserID     int64
	CampaignID int64
	Recipient  string
	Body       string
	MediaPath  string
	MediaURL   string
	Source     string
}

// Dispatcher sends single logical messages through active connections with
// a durable before/after log record. Send follows the result-type
// convention: the returned MessageLog carries the terminal state, and the
// error return is reserved for preconditions (unknown session, rate
// limit). Send-time failures are recorded in the log, not re-thrown.
type Dispatcher struct {
	sup          *Supervisor
	logs         MessageLogStore
	limiter      *RateLimiter
	countryCode  string
	fetchTimeout time.Duration
}

func NewDispatcher(sup *Supervisor, logs MessageLogStore, limiter *RateLimiter, countryCode string) *Dispatcher {
	if countryCode == "" {
		countryCode = "91"
	}
	return &Dispatcher{
		sup:          sup,
		logs:         logs,
		limiter:      limiter,
		countryCode:  countryCode,
		fetchTimeout: defaultMediaFetchTimeout,
	}
}

// NormalizeRecipient strips non-digits, prepends the default country code
// to bare 10-digit numbers and appends the transport address suffix.
// Normalizing an already-normalized address is a no-op.
func NormalizeRecipient(raw, countryCode string) string {
	number := raw
	if i := strings.Index(number, "@"); i >= 0 {
		number = number[:i]
	}
	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	number = digits.String()
	if len(number) == 10 {
		number = countryCode + number
	}
	return number + AddressSuffix
}

// ForgetSession drops the session's rate-limit window. Called when a
// session is deleted so a recreated session starts with a clean budget.
func (d *Dispatcher) ForgetSession(sessionID int64) {
	d.limiter.Forget(sessionID)
}

// Send dispatches one message. The returned log row is always terminal
// (sent or failed) by the time this returns; it is never left pending.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*domain.MessageLog, error) {
	address := NormalizeRecipient(req.Recipient, d.countryCode)
	source := req.Source
	if source == "" {
		source = domain.SourceManual
	}

	transport, registered := d.sup.transportFor(req.SessionID)
	if !registered || !transport.IsAuthenticated() {
		log := &domain.MessageLog{
			UserId:     req.UserID,
			SessionId:  req.SessionID,
			CampaignId: req.CampaignID,
			Recipient:  address,
			Body:       req.Body,
			MediaRef:   firstNonEmpty(req.MediaPath, req.MediaURL),
			Status:     domain.MessageFailed,
			Source:     source,
			Error:      ErrSessionNotActive.Error(),
		}
		if err := d.logs.Insert(ctx, log); err != nil {
			zap.L().Error("wasend: insert not-active log failed", zap.Error(err))
		}
		return log, ErrSessionNotActive
	}

	// the rate check precedes the log row and the network: denial has no
	// log side effect
	if retryAfter, allowed := d.limiter.CheckAndConsume(req.SessionID); !allowed {
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	log := &domain.MessageLog{
		UserId:     req.UserID,
		SessionId:  req.SessionID,
		CampaignId: req.CampaignID,
		Recipient:  address,
		Body:       req.Body,
		MediaRef:   firstNonEmpty(req.MediaPath, req.MediaURL),
		Status:     domain.MessagePending,
		Source:     source,
	}
	if err := d.logs.Insert(ctx, log); err != nil {
		// without a durable pending row the attempt would be unauditable
		log.Status = domain.MessageFailed
		log.Error = "log insert failed: " + err.Error()
		return log, errors.Wrap(err, "insert message log")
	}

	if err := d.deliver(ctx, transport, address, req); err != nil {
		d.finishFailed(ctx, log, err)
		return log, nil
	}

	now := time.Now()
	log.Status = domain.MessageSent
	log.SentAt = &now
	if err := d.logs.MarkSent(ctx, log.ID, now); err != nil {
		zap.L().Error("wasend: mark sent failed", zap.Int64("log_id", log.ID), zap.Error(err))
	}
	d.sup.touch(req.SessionID)
	metrics.Incr(metrics.MessageSent)
	zap.L().Info("wasend: message sent",
		zap.Int64("session_id", req.SessionID),
		zap.String("source", source),
		zap.Int64("log_id", log.ID))
	return log, nil
}

func (d *Dispatcher) deliver(ctx context.Context, transport Transport, address string, req SendRequest) error {
	if req.MediaPath == "" && req.MediaURL == "" {
		return transport.SendText(ctx, address, req.Body)
	}

	var media *Media
	var err error
	if req.MediaPath != "" {
		media, err = d.resolveLocalMedia(req.MediaPath)
	} else {
		media, err = d.fetchRemoteMedia(req.MediaURL)
	}
	if err != nil {
		return err
	}

	caption := ""
	switch {
	case strings.HasPrefix(media.Mime, "image/"), strings.HasPrefix(media.Mime, "video/"):
		caption = req.Body
	case media.Mime == "application/pdf":
		caption = req.Body
	}
	return transport.SendMedia(ctx, address, media, caption)
}

func (d *Dispatcher) resolveLocalMedia(filePath string) (*Media, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrap(err, "media file not accessible")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "read media file")
	}
	return &Media{
		Data:     data,
		Mime:     MimeForPath(filePath),
		Filename: path.Base(filePath),
	}, nil
}

func (d *Dispatcher) fetchRemoteMedia(url string) (*Media, error) {
	var (
		body       []byte
		statusCode int
		header     struct {
			ContentType string `header:"Content-Type"`
		}
	)
	err := gout.GET(url).
		SetTimeout(d.fetchTimeout).
		Code(&statusCode).
		BindHeader(&header).
		BindBody(&body).
		Do()
	if err != nil {
		return nil, &MediaFetchError{URL: url, Err: err}
	}
	if statusCode < 200 || statusCode > 299 {
		return nil, &MediaFetchError{URL: url, StatusCode: statusCode}
	}

	mimeType := header.ContentType
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		mimeType = MimeForPath(url)
	}
	return &Media{
		Data:     body,
		Mime:     mimeType,
		Filename: filenameFromURL(url),
	}, nil
}

func (d *Dispatcher) finishFailed(ctx context.Context, log *domain.MessageLog, cause error) {
	log.Status = domain.MessageFailed
	log.Error = cause.Error()
	if err := d.logs.MarkFailed(ctx, log.ID, cause.Error()); err != nil {
		zap.L().Error("wasend: mark failed failed", zap.Int64("log_id", log.ID), zap.Error(err))
	}
	metrics.Incr(metrics.MessageFailed)
	zap.L().Warn("wasend: message send failed",
		zap.Int64("session_id", log.SessionId),
		zap.Int64("log_id", log.ID),
		zap.Error(cause))
}

// MimeForPath derives a MIME type from the path extension via the static
// table, then the platform registry, defaulting to octet-stream.
func MimeForPath(p string) string {
	ext := strings.ToLower(path.Ext(stripQuery(p)))
	if m, ok := extMimeTable[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		if i := strings.Index(m, ";"); i >= 0 {
			m = m[:i]
		}
		return m
	}
	return fallbackMime
}

func filenameFromURL(url string) string {
	name := path.Base(stripQuery(url))
	if name == "" || name == "." || name == "/" {
		return fmt.Sprintf("attachment-%d", time.Now().Unix())
	}
	return name
}

func stripQuery(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		return p[:i]
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
