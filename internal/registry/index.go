package registry

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"
)

// toolDocument is the index projection of a descriptor. Identifiers get the
// keyword analyzer (one token, exact matches rank high); descriptions get the
// standard analyzer for full-text relevance.
type toolDocument struct {
	LocalName   string `json:"local_name"`
	UpstreamID  string `json:"upstream_id"`
	Description string `json:"description"`
}

// toolIndex mirrors the registry contents in an in-memory bleve index. The
// registry map remains the source of truth; the index only supplies ranking,
// so index failures degrade ordering rather than correctness.
type toolIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

func newToolIndex(logger *zap.Logger) (*toolIndex, error) {
	indexMapping := bleve.NewIndexMapping()
	toolMapping := bleve.NewDocumentMapping()

	localNameField := bleve.NewTextFieldMapping()
	localNameField.Analyzer = keyword.Name
	toolMapping.AddFieldMappingsAt("local_name", localNameField)

	upstreamIDField := bleve.NewTextFieldMapping()
	upstreamIDField.Analyzer = keyword.Name
	toolMapping.AddFieldMappingsAt("upstream_id", upstreamIDField)

	descriptionField := bleve.NewTextFieldMapping()
	descriptionField.Analyzer = standard.Name
	toolMapping.AddFieldMappingsAt("description", descriptionField)

	indexMapping.DefaultMapping = toolMapping

	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, err
	}
	return &toolIndex{index: idx, logger: logger.Named("toolindex")}, nil
}

func (x *toolIndex) Close() error {
	return x.index.Close()
}

// replaceSession applies one session's catalog swap as a single batch:
// retracted names are deleted, current descriptors are (re)indexed under
// their full name.
func (x *toolIndex) replaceSession(removed []string, current []Descriptor) error {
	batch := x.index.NewBatch()
	for _, name := range removed {
		batch.Delete(name)
	}
	for _, d := range current {
		doc := toolDocument{
			LocalName:   d.LocalName,
			UpstreamID:  d.UpstreamID,
			Description: d.Description,
		}
		if err := batch.Index(d.FullName, doc); err != nil {
			return err
		}
	}
	return x.index.Batch(batch)
}

// scores runs one disjunction over all keywords and returns relevance by full
// name. Exact identifier hits and description matches both contribute.
func (x *toolIndex) scores(keywords []string) (map[string]float64, error) {
	var disjuncts []query.Query
	for _, word := range keywords {
		descQuery := bleve.NewMatchQuery(word)
		descQuery.SetField("description")
		localQuery := bleve.NewTermQuery(word)
		localQuery.SetField("local_name")
		upstreamQuery := bleve.NewTermQuery(word)
		upstreamQuery.SetField("upstream_id")
		disjuncts = append(disjuncts, descQuery, localQuery, upstreamQuery)
	}
	if len(disjuncts) == 0 {
		return map[string]float64{}, nil
	}

	count, err := x.index.DocCount()
	if err != nil {
		return nil, err
	}
	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(disjuncts...))
	req.Size = int(count)

	res, err := x.index.Search(req)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(res.Hits))
	for _, hit := range res.Hits {
		scores[hit.ID] = hit.Score
	}
	return scores, nil
}

func (x *toolIndex) docCount() (uint64, error) {
	return x.index.DocCount()
}
