package dbconn

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func assertDSNConfig(t *testing.T, dsnStr string, user, password, addr, dbName, tlsConfig string, interpolateParams bool) {
	t.Helper()
	cfg, err := mysql.ParseDSN(dsnStr)
	assert.NoError(t, err)
	if cfg == nil {
		return
	}
	assert.Equal(t, user, cfg.User)
	assert.Equal(t, password, cfg.Passwd)
	assert.Equal(t, addr, cfg.Addr)
	assert.Equal(t, dbName, cfg.DBName)
	assert.Equal(t, tlsConfig, cfg.TLSConfig)
	assert.Equal(t, true, cfg.AllowNativePasswords)
	assert.Equal(t, true, cfg.RejectReadOnly)
	assert.Equal(t, interpolateParams, cfg.InterpolateParams)
	assert.Equal(t, "utf8mb4_bin", cfg.Collation)
	assert.Equal(t, `""`, cfg.Params["sql_mode"])
	assert.Equal(t, `"+00:00"`, cfg.Params["time_zone"])
	assert.Equal(t, `"read-committed"`, cfg.Params["transaction_isolation"])
}

func TestNewDSN(t *testing.T) {
	// Start with a basic example
	dsn := "root:password@tcp(127.0.0.1:3306)/test"
	resp, err := newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	assertDSNConfig(t, resp, "root", "password", "127.0.0.1:3306", "test", "custom", true)

	// With interpolate off.
	config := NewDBConfig()
	config.InterpolateParams = false
	resp, err = newDSN(dsn, config)
	assert.NoError(t, err)
	assertDSNConfig(t, resp, "root", "password", "127.0.0.1:3306", "test", "custom", false)

	// Also with TLS for non-RDS hosts (now includes tls=custom)
	dsn = "root:password@tcp(mydbhost.internal:3306)/test"
	resp, err = newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	assertDSNConfig(t, resp, "root", "password", "mydbhost.internal:3306", "test", "custom", true)

	// However, if it is RDS - it will be changed to use rds bundle.
	dsn = "root:password@tcp(tern-001.cluster-ro-ckxxxxxxvm.us-west-2.rds.amazonaws.com)/test"
	resp, err = newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	assertDSNConfig(t, resp, "root", "password", "tern-001.cluster-ro-ckxxxxxxvm.us-west-2.rds.amazonaws.com:3306", "test", "rds", true)

	// This is with optional port too
	dsn = "root:password@tcp(tern-001.cluster-ro-ckxxxxxxvm.us-west-2.rds.amazonaws.com:12345)/test"
	resp, err = newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	assertDSNConfig(t, resp, "root", "password", "tern-001.cluster-ro-ckxxxxxxvm.us-west-2.rds.amazonaws.com:12345", "test", "rds", true)

	// Password with special characters (e.g. AWS IAM auth token with ?, @, &)
	iamToken := "dbhost.rds.amazonaws.com:3306/?Action=connect&DBUser=iam_user&X-Amz-Signature=abc123"
	dsn = fmt.Sprintf("iam_user:%s@tcp(host.docker.internal:8410)/mydb", iamToken)
	resp, err = newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	assertDSNConfig(t, resp, "iam_user", iamToken, "host.docker.internal:8410", "mydb", "custom", true)

	// DSN with explicit tls parameter should be preserved as-is
	dsn = "root:password@tcp(127.0.0.1:3306)/test?tls=skip-verify"
	resp, err = newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	assert.Equal(t, dsn, resp, "DSN with explicit tls parameter should be returned unchanged")

	// Invalid DSN, can't parse.
	dsn = "invalid"
	resp, err = newDSN(dsn, NewDBConfig())
	assert.Error(t, err)
	assert.Empty(t, resp)
}

func TestNewDSNAllowCleartextPasswords(t *testing.T) {
	// With TLS enabled (default PREFERRED mode), AllowCleartextPasswords should be true
	dsn := "root:password@tcp(127.0.0.1:3306)/test"
	resp, err := newDSN(dsn, NewDBConfig())
	assert.NoError(t, err)
	cfg, err := mysql.ParseDSN(resp)
	assert.NoError(t, err)
	assert.NotEmpty(t, cfg.TLSConfig, "TLS should be configured in default mode")
	assert.True(t, cfg.AllowCleartextPasswords, "AllowCleartextPasswords should be true when TLS is enabled")

	// With TLS disabled, AllowCleartextPasswords should be false
	config := NewDBConfig()
	config.TLSMode = "DISABLED"
	resp, err = newDSN(dsn, config)
	assert.NoError(t, err)
	cfg, err = mysql.ParseDSN(resp)
	assert.NoError(t, err)
	assert.Empty(t, cfg.TLSConfig, "TLS should not be configured in DISABLED mode")
	assert.False(t, cfg.AllowCleartextPasswords, "AllowCleartextPasswords should be false when TLS is disabled")
}

func TestValidCertificateBundle(t *testing.T) {
	// parse certificate bundle
	var block *pem.Block
	bundle := rdsGlobalBundle
	foundCertificates := false
	for {
		block, bundle = pem.Decode(bundle)
		if block == nil {
			break
		}
		_, err := x509.ParseCertificate(block.Bytes)
		assert.NoError(t, err, "Failed to parse certificate")
		foundCertificates = true
	}

	// ensure that at least one certificate was parsed
	assert.True(t, foundCertificates, "No certificates found in bundle")
}

func TestIsRDSHost(t *testing.T) {
	assert.True(t, IsRDSHost("mydb.cluster-abc123.us-east-1.rds.amazonaws.com"))
	assert.True(t, IsRDSHost("mydb.cluster-abc123.us-east-1.rds.amazonaws.com:3306"))
	assert.False(t, IsRDSHost("fake-rds.amazonaws.com"))
	assert.False(t, IsRDSHost("127.0.0.1"))
}
