package destination

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/ajitpratap0/nebula-sink/pkg/compression"
	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"github.com/ajitpratap0/nebula-sink/pkg/testutil"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usersKey = protocol.StreamKey{Name: "users", Namespace: "public"}

func batch(t *testing.T, n int) []*protocol.MessageView {
	t.Helper()
	records := make([]*protocol.MessageView, n)
	for i := range records {
		records[i] = testutil.MustParse(t, testutil.RecordLine("users", "public", i))
	}
	return records
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"file", "kafka", "postgres", "s3", "stdout"}, r.Types())

	err := r.Register(config.DestinationFile, newFileFromConfig)
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))

	_, err = r.Create(context.Background(), config.DestinationConfig{Type: "ftp"}, testutil.TestLogger(t))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))

	dest, err := r.Create(context.Background(), config.DestinationConfig{Type: config.DestinationStdout}, testutil.TestLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &StdoutDestination{}, dest)
}

func TestStdoutWritesRawLines(t *testing.T) {
	var out bytes.Buffer
	d := NewStdout(NewLockedWriter(&out), testutil.TestLogger(t))

	records := batch(t, 2)
	require.NoError(t, d.Write(context.Background(), usersKey, records))

	want := string(records[0].Raw()) + "\n" + string(records[1].Raw()) + "\n"
	assert.Equal(t, want, out.String())
	require.NoError(t, d.Close(context.Background()))
}

func TestFileDestination(t *testing.T) {
	for _, algo := range []string{"none", "gzip", "zstd", "lz4"} {
		t.Run(algo, func(t *testing.T) {
			dir := t.TempDir()
			d, err := NewFile(config.FileDestinationConfig{Directory: dir, Compression: algo}, testutil.TestLogger(t))
			require.NoError(t, err)
			d.now = func() time.Time { return time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC) }

			records := batch(t, 3)
			require.NoError(t, d.Write(context.Background(), usersKey, records))

			matches, err := filepath.Glob(filepath.Join(dir, "public", "users", "2024", "03", "07", "*.jsonl*"))
			require.NoError(t, err)
			require.Len(t, matches, 1)

			parsed, err := compression.ParseAlgorithm(algo)
			require.NoError(t, err)
			codec, err := compression.NewCodec(parsed, compression.Default)
			require.NoError(t, err)
			assert.True(t, strings.HasSuffix(matches[0], ".jsonl"+codec.Extension()))

			data, err := os.ReadFile(matches[0])
			require.NoError(t, err)
			plain, err := compression.Decompress(codec, data)
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSuffix(string(plain), "\n"), "\n")
			require.Len(t, lines, 3)
			for i, r := range records {
				assert.Equal(t, string(r.Raw()), lines[i])
			}
		})
	}
}

func TestFileDestinationRejectsBadCompression(t *testing.T) {
	_, err := NewFile(config.FileDestinationConfig{Directory: t.TempDir(), Compression: "rar"}, testutil.TestLogger(t))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
}

func TestFileDestinationHonorsCancellation(t *testing.T) {
	d, err := NewFile(config.FileDestinationConfig{Directory: t.TempDir()}, testutil.TestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, d.Write(ctx, usersKey, batch(t, 1)))
}

type fakeUploader struct {
	mu     sync.Mutex
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, input)
	f.bodies = append(f.bodies, body)
	return &manager.UploadOutput{Location: "s3://" + *input.Bucket + "/" + *input.Key}, nil
}

func TestS3Destination(t *testing.T) {
	up := &fakeUploader{}
	cfg := config.S3DestinationConfig{Bucket: "lake", Prefix: "raw", Compression: "gzip"}
	d, err := NewS3WithUploader(cfg, up, testutil.TestLogger(t))
	require.NoError(t, err)

	records := batch(t, 4)
	require.NoError(t, d.Write(context.Background(), usersKey, records))

	require.Len(t, up.inputs, 1)
	in := up.inputs[0]
	assert.Equal(t, "lake", *in.Bucket)
	assert.True(t, strings.HasPrefix(*in.Key, "raw/public/users/"))
	assert.True(t, strings.HasSuffix(*in.Key, ".jsonl.gz"))
	assert.Equal(t, "4", in.Metadata["records"])

	codec, err := compression.NewCodec(compression.Gzip, compression.Default)
	require.NoError(t, err)
	plain, err := compression.Decompress(codec, up.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(plain), "\n"))
}

func TestS3DestinationUploadFailure(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	d, err := NewS3WithUploader(config.S3DestinationConfig{Bucket: "lake"}, up, testutil.TestLogger(t))
	require.NoError(t, err)

	err = d.Write(context.Background(), usersKey, batch(t, 1))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConnection))
}

func TestKafkaDestination(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	d := NewKafkaWithProducer(config.KafkaDestinationConfig{TopicPrefix: "sink."}, producer, testutil.TestLogger(t))
	assert.Equal(t, "sink.public_users", d.Topic(usersKey))

	records := batch(t, 3)
	for _, r := range records {
		want := string(r.Raw())
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			if string(val) != want {
				return errors.New("unexpected value " + string(val))
			}
			return nil
		})
	}
	require.NoError(t, d.Write(context.Background(), usersKey, records))

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err := d.Write(context.Background(), usersKey, batch(t, 1))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeDestination))

	require.NoError(t, d.Close(context.Background()))
}

func TestBuildSaramaConfig(t *testing.T) {
	sc := buildSaramaConfig(config.KafkaDestinationConfig{RequiredAcks: "local", Compression: "zstd", ClientID: "x"})
	assert.Equal(t, sarama.WaitForLocal, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionZSTD, sc.Producer.Compression)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, "x", sc.ClientID)
	assert.NoError(t, sc.Validate())
}

type fakePool struct {
	mu      sync.Mutex
	execs   []string
	tables  []pgx.Identifier
	rows    [][]any
	copyErr error
	closed  bool
}

func (p *fakePool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execs = append(p.execs, sql)
	return pgconn.NewCommandTag("CREATE"), nil
}

func (p *fakePool) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.copyErr != nil {
		return 0, p.copyErr
	}
	p.tables = append(p.tables, table)
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		if len(vals) != len(columns) {
			return n, errors.New("column mismatch")
		}
		p.rows = append(p.rows, vals)
		n++
	}
	return n, src.Err()
}

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func TestPostgresDestination(t *testing.T) {
	pool := &fakePool{}
	d := NewPostgresWithPool(config.PostgresDestinationConfig{Schema: "staging", TablePrefix: "_raw_"}, pool, testutil.TestLogger(t))

	require.NoError(t, d.Write(context.Background(), usersKey, batch(t, 2)))
	require.NoError(t, d.Write(context.Background(), usersKey, batch(t, 3)))

	// DDL runs once per stream.
	assert.Len(t, pool.execs, 2)
	assert.Contains(t, pool.execs[1], `"staging"."_raw_public_users"`)

	require.Len(t, pool.tables, 2)
	assert.Equal(t, pgx.Identifier{"staging", "_raw_public_users"}, pool.tables[0])
	require.Len(t, pool.rows, 5)
	assert.Equal(t, `{"id":0}`, pool.rows[0][3])
	assert.Equal(t, int64(1700000000000), pool.rows[0][1])

	require.NoError(t, d.Close(context.Background()))
	assert.True(t, pool.closed)
}

func TestPostgresDestinationCopyFailure(t *testing.T) {
	pool := &fakePool{copyErr: errors.New("relation does not exist")}
	d := NewPostgresWithPool(config.PostgresDestinationConfig{}, pool, testutil.TestLogger(t))

	err := d.Write(context.Background(), usersKey, batch(t, 1))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeDestination))
}

func TestObjectName(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	name := objectName(protocol.StreamKey{Name: "weird name/with*chars"}, now, ".zst")
	assert.True(t, strings.HasPrefix(name, "weird_name_with_chars/2024/01/02/"))
	assert.True(t, strings.HasSuffix(name, ".jsonl.zst"))
}
