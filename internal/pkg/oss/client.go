package oss

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/qs3c/credit_ledger/config"
)

const defaultReportPrefix = "ledger-reports"

type Client struct {
	bucket       *oss.Bucket
	reportPrefix string
}

func NewClient(cfg *config.OSSConfig) (*Client, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}

	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	prefix := strings.Trim(cfg.ReportPrefix, "/")
	if prefix == "" {
		prefix = defaultReportPrefix
	}

	return &Client{
		bucket:       bucket,
		reportPrefix: prefix,
	}, nil
}

// ReportKey 对账报告的 object key，按日期分目录
func ReportKey(prefix, name string, at time.Time) string {
	at = at.UTC()
	return path.Join(prefix, at.Format("2006/01/02"), fmt.Sprintf("%s-%s.json", name, at.Format("150405")))
}

// UploadReport 上传对账报告 JSON，返回 object key
func (c *Client) UploadReport(name string, data []byte) (string, error) {
	objectKey := ReportKey(c.reportPrefix, name, time.Now())

	err := c.bucket.PutObject(objectKey, bytes.NewReader(data), oss.ContentType("application/json"))
	if err != nil {
		return "", fmt.Errorf("failed to upload report: %w", err)
	}

	return objectKey, nil
}

// GetSignedURL 生成带签名的临时访问URL（默认1小时有效）
func (c *Client) GetSignedURL(objectKey string, expireSeconds ...int64) (string, error) {
	expire := int64(3600)
	if len(expireSeconds) > 0 && expireSeconds[0] > 0 {
		expire = expireSeconds[0]
	}

	signedURL, err := c.bucket.SignURL(objectKey, oss.HTTPGet, expire)
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}

	return signedURL, nil
}
