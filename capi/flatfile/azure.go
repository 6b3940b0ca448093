package flatfile

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/Azure/azure-storage-blob-go/azblob"
)

const maxSASExpiry = 2 * time.Hour

// AzureClient mints container-scoped remotes against one storage account.
type AzureClient struct {
	logger     lager.Logger
	credential *azblob.SharedKeyCredential
	service    azblob.ServiceURL
}

func NewAzureClient(logger lager.Logger, accountName, accountKey, endpoint string) (*AzureClient, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("building azure credential: %w", err)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing azure endpoint: %w", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	return &AzureClient{
		logger:     logger.Session("azure"),
		credential: credential,
		service:    azblob.NewServiceURL(*u, pipeline),
	}, nil
}

// Container returns a remote for the named container, creating it if it
// does not exist yet.
func (c *AzureClient) Container(ctx context.Context, name string) (*AzureRemote, error) {
	container := c.service.NewContainerURL(name)

	_, err := container.Create(ctx, azblob.Metadata{}, azblob.PublicAccessNone)
	if err != nil {
		serr, ok := err.(azblob.StorageError)
		if !ok || serr.ServiceCode() != azblob.ServiceCodeContainerAlreadyExists {
			return nil, fmt.Errorf("creating container %s: %w", name, err)
		}
	}

	return &AzureRemote{
		logger:     c.logger.Session("container", lager.Data{"name": name}),
		credential: c.credential,
		container:  container,
		name:       name,
	}, nil
}

// NewSASContainer opens a container through a delegated-access URL minted
// by the API. Workers use this; they hold no account credentials.
func NewSASContainer(logger lager.Logger, rawURL string) (*AzureRemote, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing container url: %w", err)
	}

	name := path.Base(u.Path)
	pipeline := azblob.NewPipeline(azblob.NewAnonymousCredential(), azblob.PipelineOptions{})

	return &AzureRemote{
		logger:    logger.Session("sas-container", lager.Data{"name": name}),
		container: azblob.NewContainerURL(*u, pipeline),
		name:      name,
	}, nil
}

// AzureRemote is the remote backing for one blob container.
type AzureRemote struct {
	logger     lager.Logger
	credential *azblob.SharedKeyCredential
	container  azblob.ContainerURL
	name       string
}

func (r *AzureRemote) Container() string {
	return r.name
}

func (r *AzureRemote) Upload(ctx context.Context, name string, content []byte) error {
	blob := r.container.NewBlockBlobURL(name)
	_, err := azblob.UploadBufferToBlockBlob(ctx, content, blob, azblob.UploadToBlockBlobOptions{})
	if err != nil {
		return fmt.Errorf("uploading blob %s: %w", name, err)
	}
	return nil
}

func (r *AzureRemote) Download(ctx context.Context, name string) ([]byte, error) {
	blob := r.container.NewBlobURL(name)
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, fmt.Errorf("downloading blob %s: %w", name, err)
	}

	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()

	content, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", name, err)
	}
	return content, nil
}

// SignedURL mints a read/write/create SAS URL for the whole container.
// Expiry is capped at two hours regardless of what the caller asks for.
func (r *AzureRemote) SignedURL(expiry time.Duration) (string, error) {
	if r.credential == nil {
		return "", fmt.Errorf("container %s was opened through a SAS url and cannot sign", r.name)
	}
	if expiry <= 0 || expiry > maxSASExpiry {
		expiry = maxSASExpiry
	}

	now := time.Now().UTC()
	params, err := azblob.BlobSASSignatureValues{
		Protocol:      azblob.SASProtocolHTTPSandHTTP,
		StartTime:     now.Add(-10 * time.Minute),
		ExpiryTime:    now.Add(expiry),
		ContainerName: r.name,
		Permissions: azblob.ContainerSASPermissions{
			Read:   true,
			Write:  true,
			Create: true,
			List:   true,
		}.String(),
	}.NewSASQueryParameters(r.credential)
	if err != nil {
		return "", fmt.Errorf("signing container url: %w", err)
	}

	u := r.container.URL()
	return fmt.Sprintf("%s?%s", u.String(), params.Encode()), nil
}
