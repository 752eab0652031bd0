package cablob

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// BlobAccountClient is the subset of an Azure Storage account client a
// FlushBuffer needs: upload with create-on-404 fallback, and 24h read-SAS
// generation for the notification callback. Narrowing to an interface keeps
// the sink unit-testable without a live storage account.
type BlobAccountClient interface {
	// AccountName identifies this account in log lines.
	AccountName() string
	// UploadBlob uploads payload to container/blobName, creating the
	// container on a 404 and retrying once.
	UploadBlob(ctx context.Context, container, blobName string, payload []byte) error
	// SASURL returns a 24h read-only SAS URL for container/blobName.
	SASURL(container, blobName string, expiry time.Time) (string, error)
}

// azureBlobAccountClient is the production BlobAccountClient backed by
// azblob, the Azure SDK for Go's blob storage module.
type azureBlobAccountClient struct {
	accountName string
	cred        *azblob.SharedKeyCredential
	client      *azblob.Client
}

// NewAzureBlobAccountClient builds a BlobAccountClient for one configured
// blob-account credential.
func NewAzureBlobAccountClient(accountName, accountKey string) (BlobAccountClient, error) {
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("building shared key credential for account %s: %w", accountName, err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("building blob client for account %s: %w", accountName, err)
	}
	return &azureBlobAccountClient{accountName: accountName, cred: cred, client: client}, nil
}

func (c *azureBlobAccountClient) AccountName() string { return c.accountName }

func (c *azureBlobAccountClient) UploadBlob(ctx context.Context, container, blobName string, payload []byte) error {
	_, err := c.client.UploadBuffer(ctx, container, blobName, payload, nil)
	if err == nil {
		return nil
	}
	if !bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return err
	}
	if _, createErr := c.client.CreateContainer(ctx, container, nil); createErr != nil && !bloberror.HasCode(createErr, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("creating container %s: %w", container, createErr)
	}
	_, err = c.client.UploadBuffer(ctx, container, blobName, payload, nil)
	return err
}

func (c *azureBlobAccountClient) SASURL(container, blobName string, expiry time.Time) (string, error) {
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     time.Now().UTC().Add(-5 * time.Minute),
		ExpiryTime:    expiry.UTC(),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: container,
		BlobName:      blobName,
	}
	params, err := values.SignWithSharedKey(c.cred)
	if err != nil {
		return "", fmt.Errorf("signing SAS for %s/%s: %w", container, blobName, err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", c.accountName, container, blobName)
	return serviceURL + "?" + params.Encode(), nil
}
