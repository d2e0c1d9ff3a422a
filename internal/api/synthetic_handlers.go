// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/synthetic"
)

func (s *Server) handleCreateDataset(c *gin.Context) {
	var in synthetic.DatasetInput
	if !s.bindJSON(c, &in) {
		return
	}
	d, err := s.synthetic.CreateDataset(c.Request.Context(), in, currentUser(c))
	if err != nil {
		s.fail(c, err, "creating synthetic dataset")
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleListDatasets(c *gin.Context) {
	skip, ok := s.queryInt(c, "skip", 0)
	if !ok {
		return
	}
	limit, ok := s.queryInt(c, "limit", 100)
	if !ok {
		return
	}
	list, err := s.synthetic.ListDatasets(c.Request.Context(), synthetic.ListQuery{
		DataType: model.SyntheticDataType(c.Query("data_type")),
		Skip:     skip,
		Limit:    limit,
	}, currentUser(c))
	if err != nil {
		s.fail(c, err, "listing synthetic datasets")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetDataset(c *gin.Context) {
	d, err := s.synthetic.GetDataset(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		s.fail(c, err, "loading synthetic dataset")
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleDeleteDataset(c *gin.Context) {
	id := c.Param("id")
	if err := s.synthetic.DeleteDataset(c.Request.Context(), id, currentUser(c)); err != nil {
		s.fail(c, err, "deleting synthetic dataset")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Synthetic dataset deleted successfully", "dataset_id": id})
}

func (s *Server) handleExportDataset(c *gin.Context) {
	exp, err := s.synthetic.Export(c.Request.Context(), c.Param("id"), c.Param("format"), currentUser(c))
	if err != nil {
		s.fail(c, err, "exporting synthetic dataset")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+exp.Filename+`"`)
	c.Data(http.StatusOK, exp.ContentType, exp.Body)
}

func (s *Server) handleDatasetStatistics(c *gin.Context) {
	stats, err := s.synthetic.Statistics(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		s.fail(c, err, "computing dataset statistics")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req synthetic.GenerateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	res, err := s.synthetic.Generate(c.Request.Context(), req, currentUser(c))
	if err != nil {
		s.fail(c, err, "generating synthetic data")
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) handlePreview(c *gin.Context) {
	count, ok := s.queryInt(c, "count", 0)
	if !ok {
		return
	}
	p, err := s.synthetic.Preview(model.SyntheticDataType(c.Param("type")), count, currentUser(c))
	if err != nil {
		s.fail(c, err, "previewing synthetic data")
		return
	}
	c.JSON(http.StatusOK, p)
}
