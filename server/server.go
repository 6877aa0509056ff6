// Package server publishes a quantized-mesh tile directory over HTTP
// together with its layer.json.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	terrain "github.com/flywave/go-qmterrain"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/gin-gonic/gin"
)

// TilesPath prefixes tile URLs; "{TilesPath}/{z}/{x}/{y}.terrain".
const TilesPath = "/tiles"

type Server struct {
	source *tile.DirSource
	layer  *terrain.Layer
	mime   string
	logger *log.Logger
	engine *gin.Engine
}

func New(src *tile.DirSource, layer *terrain.Layer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		source: src,
		layer:  layer,
		mime:   terrain.GetTerrainMime(layer.ExtensionFlag()),
		logger: logger,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/layer.json", s.layerJSON)
	tiles := s.engine.Group(TilesPath)
	{
		tiles.GET("/:z/:x/:y", s.tile)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Printf("serving tiles on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) layerJSON(c *gin.Context) {
	c.JSON(http.StatusOK, s.layer)
}

func parseID(c *gin.Context) (tile.ID, error) {
	var v [3]uint32
	for i, p := range []string{c.Param("x"), strings.TrimSuffix(c.Param("y"), ".terrain"), c.Param("z")} {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return tile.ID{}, err
		}
		v[i] = uint32(n)
	}
	id := tile.ID{X: v[0], Y: v[1], Z: v[2]}
	return id, id.Check()
}

func (s *Server) tile(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if !s.layer.Declares(id) {
		c.Status(http.StatusNotFound)
		return
	}
	data, err := s.source.ReadTile(id)
	if err != nil {
		s.logger.Printf("read tile %v: %v", id, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if len(data) == 0 {
		c.Status(http.StatusNotFound)
		return
	}
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		c.Header("Content-Encoding", "gzip")
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, s.mime, data)
}
