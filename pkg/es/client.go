// Package es 提供了与 Elasticsearch 交互的客户端功能：按代创建向量索引、批量写入、别名切换与 kNN 查询。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/retry"
)

// FactDocument 是写入 ES 的事实向量文档。Seq 为该代索引中的插入序号。
type FactDocument struct {
	Seq        int       `json:"seq"`
	Identity   string    `json:"identity"`
	Generation uint64    `json:"generation"`
	FactText   string    `json:"fact_text"`
	Vector     []float32 `json:"vector"`
}

// Hit 是 kNN 查询的一条结果，Similarity 已换算回余弦相似度。
type Hit struct {
	Seq        int
	Identity   string
	Generation uint64
	Similarity float64
}

// Client 封装 go-elasticsearch 客户端，读请求总是经过别名。
type Client struct {
	es  *elasticsearch.Client
	cfg config.ElasticsearchConfig
}

// NewClient 初始化 Elasticsearch 客户端
func NewClient(esCfg config.ElasticsearchConfig) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{es: client, cfg: esCfg}, nil
}

// IndexName 返回第 gen 代的物理索引名。
func (c *Client) IndexName(gen uint64) string {
	return fmt.Sprintf("%s%d", c.cfg.IndexPrefix, gen)
}

// CreateGenerationIndex 创建第 gen 代索引，向量维度为 dims，使用 cosine 相似度。
func (c *Client) CreateGenerationIndex(ctx context.Context, gen uint64, dims int) (string, error) {
	name := c.IndexName(gen)
	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"seq": { "type": "integer" },
				"identity": { "type": "keyword" },
				"generation": { "type": "long" },
				"fact_text": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, dims)

	res, err := c.es.Indices.Create(name,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("[ES] 创建索引 '%s' 失败: %v", name, err)
		return "", retry.TransportError("es.create_index", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("[ES] 创建索引 '%s' 时 Elasticsearch 返回错误: %s", name, res.String())
		return "", retry.StatusError("es.create_index", res.StatusCode, res.String())
	}
	log.Infof("[ES] 索引 '%s' 创建成功", name)
	return name, nil
}

// BulkIndex 批量写入文档并立即刷新。
func (c *Client) BulkIndex(ctx context.Context, index string, docs []FactDocument) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		meta := map[string]map[string]string{"index": {"_id": fmt.Sprintf("%d", d.Seq)}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(d); err != nil {
			return err
		}
	}

	req := esapi.BulkRequest{
		Index:   index,
		Body:    &buf,
		Refresh: "true",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return retry.TransportError("es.bulk", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return retry.StatusError("es.bulk", res.StatusCode, res.String())
	}

	var body struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return retry.MalformedResponse("es.bulk", err)
	}
	if body.Errors {
		return errors.New("bulk index reported item errors")
	}
	return nil
}

// SwapAlias 在一次 _aliases 请求中把别名从旧索引移到 index，返回此前挂在别名上的索引。
func (c *Client) SwapAlias(ctx context.Context, index string) ([]string, error) {
	previous, err := c.aliasIndices(ctx)
	if err != nil {
		return nil, err
	}

	actions := make([]map[string]map[string]string, 0, len(previous)+1)
	for _, old := range previous {
		if old == index {
			continue
		}
		actions = append(actions, map[string]map[string]string{"remove": {"index": old, "alias": c.cfg.Alias}})
	}
	actions = append(actions, map[string]map[string]string{"add": {"index": index, "alias": c.cfg.Alias}})
	body, err := json.Marshal(map[string]interface{}{"actions": actions})
	if err != nil {
		return nil, err
	}

	res, err := c.es.Indices.UpdateAliases(bytes.NewReader(body), c.es.Indices.UpdateAliases.WithContext(ctx))
	if err != nil {
		return nil, retry.TransportError("es.update_aliases", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, retry.StatusError("es.update_aliases", res.StatusCode, res.String())
	}
	log.Infof("[ES] 别名 '%s' 已指向 '%s'", c.cfg.Alias, index)
	return previous, nil
}

func (c *Client) aliasIndices(ctx context.Context) ([]string, error) {
	res, err := c.es.Indices.GetAlias(
		c.es.Indices.GetAlias.WithContext(ctx),
		c.es.Indices.GetAlias.WithName(c.cfg.Alias),
	)
	if err != nil {
		return nil, retry.TransportError("es.get_alias", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, retry.StatusError("es.get_alias", res.StatusCode, res.String())
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, retry.MalformedResponse("es.get_alias", err)
	}
	out := make([]string, 0, len(body))
	for name := range body {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteIndices 删除不再被别名引用的旧代索引。
func (c *Client) DeleteIndices(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	res, err := c.es.Indices.Delete(names, c.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return retry.TransportError("es.delete_index", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return retry.StatusError("es.delete_index", res.StatusCode, res.String())
	}
	return nil
}

type knnResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64      `json:"_score"`
			Source FactDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// KNN 在别名上做近似最近邻查询。ES 的 cosine 得分为 (1+cos)/2，这里换算回 cos。
// 结果按相似度降序、Seq 升序排列。
func (c *Client) KNN(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}
	query := map[string]interface{}{
		"size": k,
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": candidates,
		},
		"_source": []string{"seq", "identity", "generation"},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.cfg.Alias),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, retry.TransportError("es.knn", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, retry.StatusError("es.knn", res.StatusCode, res.String())
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, retry.TransportError("es.knn", err)
	}
	var parsed knnResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, retry.MalformedResponse("es.knn", err)
	}
	hits := make([]Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, Hit{
			Seq:        h.Source.Seq,
			Identity:   h.Source.Identity,
			Generation: h.Source.Generation,
			Similarity: 2*h.Score - 1,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Seq < hits[j].Seq
	})
	return hits, nil
}

// Ping 检查集群是否可达。
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return retry.TransportError("es.ping", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return retry.StatusError("es.ping", res.StatusCode, res.String())
	}
	return nil
}
