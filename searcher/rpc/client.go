package rpc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
)

// Client talks to a running searcher's control surface.
type Client struct {
	updateCode       *connect.Client[UpdateCodeRequest, UpdateCodeResponse]
	updateProfitRate *connect.Client[UpdateProfitRateRequest, UpdateProfitRateResponse]
	updateRoutePaths *connect.Client[UpdateRoutePathsRequest, UpdateRoutePathsResponse]
	getStatus        *connect.Client[GetStatusRequest, GetStatusResponse]
}

// NewClient creates a client for baseURL (e.g. http://localhost:8545). httpClient may be nil.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)

	return &Client{
		updateCode:       connect.NewClient[UpdateCodeRequest, UpdateCodeResponse](httpClient, baseURL+UpdateCodeProcedure, opts...),
		updateProfitRate: connect.NewClient[UpdateProfitRateRequest, UpdateProfitRateResponse](httpClient, baseURL+UpdateProfitRateProcedure, opts...),
		updateRoutePaths: connect.NewClient[UpdateRoutePathsRequest, UpdateRoutePathsResponse](httpClient, baseURL+UpdateRoutePathsProcedure, opts...),
		getStatus:        connect.NewClient[GetStatusRequest, GetStatusResponse](httpClient, baseURL+GetStatusProcedure, opts...),
	}
}

func (c *Client) UpdateCode(ctx context.Context, req *UpdateCodeRequest) (*UpdateCodeResponse, error) {
	resp, err := c.updateCode.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) UpdateProfitRate(ctx context.Context, req *UpdateProfitRateRequest) (*UpdateProfitRateResponse, error) {
	resp, err := c.updateProfitRate.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) UpdateRoutePaths(ctx context.Context, req *UpdateRoutePathsRequest) (*UpdateRoutePathsResponse, error) {
	resp, err := c.updateRoutePaths.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetStatus(ctx context.Context) (*GetStatusResponse, error) {
	resp, err := c.getStatus.CallUnary(ctx, connect.NewRequest(&GetStatusRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
