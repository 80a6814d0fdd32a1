// Package api exposes the block matmul engine over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/blockquant/internal/autotune"
	"github.com/samcharles93/blockquant/internal/blockmatmul"
	"github.com/samcharles93/blockquant/internal/tensor"
	"github.com/samcharles93/blockquant/pkg/quant"
)

const maxBodyBytes = 64 << 20

// Executor runs one quantised batched matmul.
type Executor interface {
	Execute(ctx context.Context, b *tensor.Batch, c *tensor.Mat, seqLen int) (*quant.PackedTensor, error)
	Mode() blockmatmul.Mode
}

type Server struct {
	exec  Executor
	cache *autotune.Cache
	clock func() time.Time
}

// NewServer serves exec. cache may be nil when tuning is disabled.
func NewServer(exec Executor, cache *autotune.Cache) *Server {
	return &Server{
		exec:  exec,
		cache: cache,
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/quantize", s.handleQuantize)
	e.GET("/v1/tuning", s.handleTuning)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", handleMetrics)
}

func (s *Server) handleQuantize(c *echo.Context) error {
	if s.exec == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine not configured", "")
	}
	req, err := decodeJSON[QuantizeRequest](http.MaxBytesReader(c.Response(), c.Request().Body, maxBodyBytes))
	if err != nil {
		return writeBadRequest(c, err.Error(), "")
	}
	b, cm, err := req.tensors()
	if err != nil {
		return writeBadRequest(c, err.Error(), paramOf(err))
	}

	out, err := s.exec.Execute(c.Request().Context(), &b, &cm, req.SeqLen)
	if err != nil {
		var shapeErr *blockmatmul.ShapeError
		switch {
		case errors.As(err, &shapeErr):
			return writeBadRequest(c, shapeErr.Reason, "shape")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "")
		default:
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		}
	}

	resp := QuantizeResponse{
		ID:      "bq_" + uuid.NewString(),
		Object:  "quantization",
		Created: s.clock().Unix(),
		Mode:    s.exec.Mode().String(),
		Shape:   [3]int{out.Batch, out.M, out.N},
		Scales:  make([]float32, out.Batch),
		Packed:  out.Data,
	}
	for i := range resp.Scales {
		resp.Scales[i] = out.Scale(i)
	}
	if req.Values {
		resp.Values = unpackValues(out)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTuning(c *echo.Context) error {
	list := TuningList{Object: "list", Enabled: s.cache != nil, Data: []TuningEntry{}}
	if s.cache != nil {
		for key, e := range s.cache.Entries() {
			list.Data = append(list.Data, TuningEntry{
				Batch:     key.Batch,
				M:         key.M,
				N:         key.N,
				Config:    e.Config,
				ElapsedNS: e.Elapsed.Nanoseconds(),
			})
		}
	}
	sort.Slice(list.Data, func(i, j int) bool {
		a, b := list.Data[i], list.Data[j]
		if a.Batch != b.Batch {
			return a.Batch < b.Batch
		}
		if a.M != b.M {
			return a.M < b.M
		}
		return a.N < b.N
	})
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

// tensors converts the nested JSON arrays into half-precision tensors,
// rejecting ragged input.
func (r QuantizeRequest) tensors() (tensor.Batch, tensor.Mat, error) {
	if len(r.B) == 0 || len(r.B[0]) == 0 || len(r.B[0][0]) == 0 {
		return tensor.Batch{}, tensor.Mat{}, invalidParam("b", "b must be a non-empty [batch][m][n] array")
	}
	batch, m, n := len(r.B), len(r.B[0]), len(r.B[0][0])
	b := tensor.NewBatch(batch, m, n)
	for bi, mat := range r.B {
		if len(mat) != m {
			return tensor.Batch{}, tensor.Mat{}, invalidParam("b", "b[%d] has %d rows, want %d", bi, len(mat), m)
		}
		for i, row := range mat {
			if len(row) != n {
				return tensor.Batch{}, tensor.Mat{}, invalidParam("b", "b[%d][%d] has %d columns, want %d", bi, i, len(row), n)
			}
			for j, v := range row {
				b.Set(bi, i, j, v)
			}
		}
	}

	if len(r.C) == 0 {
		return tensor.Batch{}, tensor.Mat{}, invalidParam("c", "c must be a non-empty [n][n] array")
	}
	cm := tensor.NewMat(len(r.C), len(r.C[0]))
	for i, row := range r.C {
		if len(row) != cm.C {
			return tensor.Batch{}, tensor.Mat{}, invalidParam("c", "c[%d] has %d columns, want %d", i, len(row), cm.C)
		}
		for j, v := range row {
			cm.Set(i, j, v)
		}
	}
	return b, cm, nil
}

func unpackValues(p *quant.PackedTensor) [][][]int8 {
	out := make([][][]int8, p.Batch)
	for b := range out {
		out[b] = make([][]int8, p.M)
		for i := range out[b] {
			row := make([]int8, p.N)
			for j := range row {
				row[j] = p.Value(b, i, j)
			}
			out[b][i] = row
		}
	}
	return out
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, invalidParam("", "decode request: %v", err)
	}
	return out, nil
}

func writeBadRequest(c *echo.Context, msg, param string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, param)
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}
