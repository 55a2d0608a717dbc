package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kwv/firemesh/fire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(results *fire.ResultSet, gatherer prometheus.Gatherer) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now(),
			"hasData":   results.HasData(),
			"runId":     results.RunID(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.GET("/stats", func(c *gin.Context) {
		if !results.HasData() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no results loaded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"runId":   results.RunID(),
			"updated": results.Updated(),
			"stats":   results.Stats(),
		})
	})

	fires := r.Group("/fires")
	{
		fires.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"runId": results.RunID(),
				"fires": results.Fires(),
			})
		})

		fires.GET("/:id", func(c *gin.Context) {
			v, ok := results.Fire(c.Param("id"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "fire not found"})
				return
			}
			c.JSON(http.StatusOK, v)
		})

		fires.GET("/:id/reconstructions", func(c *gin.Context) {
			fr, ok := results.Reconstruction(c.Param("id"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "no reconstruction for fire"})
				return
			}
			data, err := json.Marshal(fire.ResultFeatures([]fire.FireReconstruction{fr}))
			if err != nil {
				log.Printf("Error encoding reconstructions for %s: %v", fr.FireID, err)
				c.Status(http.StatusInternalServerError)
				return
			}
			c.Data(http.StatusOK, "application/geo+json", data)
		})

		fires.GET("/:id/render.svg", renderHandler(results, "svg"))
		fires.GET("/:id/render.png", renderHandler(results, "png"))
	}

	return r
}

// renderHandler draws one fire's perimeter, detections and polygons.
func renderHandler(results *fire.ResultSet, format string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		renderer, ok := results.Renderer(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "fire not found"})
			return
		}

		var buf bytes.Buffer
		var err error
		contentType := "image/svg+xml"
		if format == "png" {
			contentType = "image/png"
			err = renderer.RenderToPNG(&buf)
		} else {
			err = renderer.RenderToSVG(&buf)
		}
		if err != nil {
			log.Printf("Warning: nothing to render for %s: %v", id, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no drawable content"})
			return
		}

		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, contentType, buf.Bytes())
	}
}

// requestLogger logs every request the way the service logs elsewhere.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("[HTTP] %s %s from %s -> %d (%v)",
			c.Request.Method, c.Request.URL.Path, c.ClientIP(), c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}
